package main

import (
	"encoding/json"
	"fmt"
	"log"

	ev "github.com/asaskevich/EventBus"
)

// Bus topics.
const (
	ReportProcessed = "report:processed"
	RunCompleted    = "run:completed"
)

type ReportEvent struct {
	UserId   int64
	ReportId int64
	OrgName  string
	Domain   string
	Total    int
}

type RunEvent struct {
	UserId     int64
	ConfigId   int64
	ConfigName string
	Seen       int
	Inserted   int
	Duplicates int
	Errors     int
}

func subscribeAndLog(bus ev.Bus, topic string, handler func(interface{})) {
	if err := bus.Subscribe(topic, handler); err != nil {
		log.Fatal(err)
	}
}

// StartEventLogger logs every bus event as JSON and persists an audit row,
// so processing history survives restarts.
func StartEventLogger(bus ev.Bus, db Database) {
	logEvent := func(topic string, usrId int64, resourceId string, msg interface{}) {
		detail, e := json.Marshal(msg)
		if e != nil {
			log.Println(e)
			return
		}
		log.Printf("%v %v", topic, string(detail))
		if e := db.InsertAuditLog(usrId, topic, resourceId, string(detail)); e != nil {
			log.Printf("Recording audit log: %v", e)
		}
	}
	subscribeAndLog(bus, ReportProcessed, func(msg interface{}) {
		if rev, ok := msg.(ReportEvent); ok {
			logEvent(ReportProcessed, rev.UserId, fmt.Sprintf("report/%d", rev.ReportId), rev)
		}
	})
	subscribeAndLog(bus, RunCompleted, func(msg interface{}) {
		if rev, ok := msg.(RunEvent); ok {
			logEvent(RunCompleted, rev.UserId, fmt.Sprintf("config/%d", rev.ConfigId), rev)
		}
	})
}
