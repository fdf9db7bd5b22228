package main

import (
	"testing"

	"github.com/spf13/viper"
)

// fakeProcessor stands in for the Poller so passes run without a mailbox.
type fakeProcessor struct {
	failHosts map[string]bool
	processed []int64
}

func (f *fakeProcessor) Process(config *ImapConfig) *RunStats {
	f.processed = append(f.processed, config.Id)
	stats := &RunStats{ConfigId: config.Id, MessagesSeen: 1, Inserted: 1}
	if f.failHosts[config.Host] {
		return &RunStats{ConfigId: config.Id, Errors: []RunError{
			{Kind: ErrKindNetwork, Detail: "dial tcp: connection refused"},
		}}
	}
	return stats
}

func testConfig(usrId int64, name, host string) *ImapConfig {
	return &ImapConfig{
		UserId: usrId, Name: name, Host: host, Port: 993,
		Username: "u", PasswordEnc: "p", UseTls: true, Folder: "INBOX", Active: true,
	}
}

func TestSchedulerIsolatesConfigFailures(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		viper.Set(PollConfigDelayKey, 0)

		usr, _ := d.InsertUser("sched-iso@blah.com", []byte("blah"), false)
		a, _ := d.InsertImapConfig(testConfig(usr.Id, "a", "broken.example.com"))
		b, _ := d.InsertImapConfig(testConfig(usr.Id, "b", "imap.example.com"))

		fake := &fakeProcessor{failHosts: map[string]bool{"broken.example.com": true}}
		s := NewScheduler(d, fake)

		all, e := s.ProcessUserConfigs(usr.Id)
		if e != nil {
			t.Fatal(e)
		}
		if len(all) != 2 {
			t.Fatalf("processed %d configs, want 2", len(all))
		}
		if all[0].ConfigId != a.Id || all[0].ErrorCount() != 1 {
			t.Errorf("config a stats unexpected: %+v", all[0])
		}
		// Config b completes normally despite a's failure
		if all[1].ConfigId != b.Id || all[1].ErrorCount() != 0 || all[1].Inserted != 1 {
			t.Errorf("config b stats affected by a's failure: %+v", all[1])
		}
	})
}

func TestSchedulerSkipsInactiveAndOtherUsers(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		viper.Set(PollConfigDelayKey, 0)

		usr1, _ := d.InsertUser("sched-u1@blah.com", []byte("blah"), false)
		usr2, _ := d.InsertUser("sched-u2@blah.com", []byte("blah"), false)
		active, _ := d.InsertImapConfig(testConfig(usr1.Id, "mine", "imap.example.com"))
		inactive := testConfig(usr1.Id, "off", "imap.example.com")
		inactive.Active = false
		d.InsertImapConfig(inactive)
		other, _ := d.InsertImapConfig(testConfig(usr2.Id, "theirs", "imap.example.com"))

		fake := &fakeProcessor{}
		s := NewScheduler(d, fake)

		if _, e := s.ProcessUserConfigs(usr1.Id); e != nil {
			t.Fatal(e)
		}
		if len(fake.processed) != 1 || fake.processed[0] != active.Id {
			t.Errorf("processed %v, want just %d", fake.processed, active.Id)
		}

		// The full pass picks up the other user's config too, still not
		// the inactive one.
		fake.processed = nil
		if _, e := s.ProcessAllConfigs(); e != nil {
			t.Fatal(e)
		}
		seen := map[int64]bool{}
		for _, id := range fake.processed {
			seen[id] = true
		}
		if !seen[active.Id] || !seen[other.Id] || len(fake.processed) < 2 {
			t.Errorf("full pass processed %v, want %d and %d", fake.processed, active.Id, other.Id)
		}
	})
}

func TestSchedulerStartStop(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		viper.Set(PollCronSpecKey, "@daily")
		s := NewScheduler(d, &fakeProcessor{})
		if e := s.Start(); e != nil {
			t.Fatal(e)
		}
		if e := s.Start(); e == nil {
			t.Error("expected error starting twice")
		}
		s.Stop()
		if e := s.Start(); e != nil {
			t.Errorf("restart after stop: %v", e)
		}
		s.Stop()
	})
}
