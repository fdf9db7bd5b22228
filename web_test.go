package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func testWa(d Database) *wa {
	poller := NewPoller(d, plainKeyring{}, nil)
	return &wa{
		db:       d,
		keyring:  plainKeyring{},
		sched:    NewScheduler(d, poller),
		poller:   poller,
		analyzer: NewAnalyzer(d, fakeSpfResolver{}),
	}
}

func TestParseDmarcUpload(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		usr, _ := d.InsertUser("upload@blah.com", []byte("blah"), false)
		wa := testWa(d)

		body := map[string]string{"xml_data": sampleReportXml}
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest("POST", "/api/parse-dmarc", strings.NewReader(string(raw)))
		rr := httptest.NewRecorder()
		wa.parseDmarc(rr, req, usr)

		if rr.Code != 200 {
			t.Fatalf("status = %d, body %v", rr.Code, rr.Body.String())
		}
		var resp struct {
			ReportId  int64 `json:"report_id"`
			Duplicate bool  `json:"duplicate"`
			Summary   struct {
				Domain       string `json:"domain"`
				TotalRecords int    `json:"total_records"`
				PassCount    int    `json:"pass_count"`
			} `json:"summary"`
		}
		if e := json.NewDecoder(rr.Body).Decode(&resp); e != nil {
			t.Fatal(e)
		}
		if resp.Duplicate {
			t.Error("first upload should not be a duplicate")
		}
		if resp.Summary.Domain != "looshiglobal.com" || resp.Summary.TotalRecords != 1 || resp.Summary.PassCount != 1 {
			t.Errorf("summary = %+v", resp.Summary)
		}

		// The upload goes through the same dedup gate as polled mail
		req = httptest.NewRequest("POST", "/api/parse-dmarc", strings.NewReader(string(raw)))
		rr = httptest.NewRecorder()
		wa.parseDmarc(rr, req, usr)
		if rr.Code != 200 {
			t.Fatalf("status = %d on re-upload", rr.Code)
		}
		if e := json.NewDecoder(rr.Body).Decode(&resp); e != nil {
			t.Fatal(e)
		}
		if !resp.Duplicate {
			t.Error("re-upload should be reported as a duplicate")
		}
		reports, _ := d.GetReports(usr.Id)
		if len(reports) != 1 {
			t.Errorf("stored %d reports, want 1", len(reports))
		}
	})
}

func TestParseDmarcUploadRejectsBadInput(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		usr, _ := d.InsertUser("upload-bad@blah.com", []byte("blah"), false)
		wa := testWa(d)

		cases := []string{
			`{}`,
			`{"xml_data": ""}`,
			`{"xml_data": "<feedback></feedback>"}`,
			`not json`,
		}
		for _, body := range cases {
			req := httptest.NewRequest("POST", "/api/parse-dmarc", strings.NewReader(body))
			rr := httptest.NewRecorder()
			wa.parseDmarc(rr, req, usr)
			if rr.Code != 400 {
				t.Errorf("body %q: status = %d, want 400", body, rr.Code)
			}
		}
		reports, _ := d.GetReports(usr.Id)
		if len(reports) != 0 {
			t.Errorf("bad uploads stored %d reports", len(reports))
		}
	})
}

func TestProcessMineWithoutConfigs(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		usr, _ := d.InsertUser("trigger@blah.com", []byte("blah"), false)
		wa := testWa(d)

		req := httptest.NewRequest("POST", "/api/process", nil)
		rr := httptest.NewRecorder()
		wa.processMine(rr, req, usr)

		if rr.Code != 200 {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp struct {
			ConfigsProcessed int `json:"configs_processed"`
		}
		if e := json.NewDecoder(rr.Body).Decode(&resp); e != nil {
			t.Fatal(e)
		}
		if resp.ConfigsProcessed != 0 {
			t.Errorf("configs_processed = %d, want 0", resp.ConfigsProcessed)
		}
	})
}

func TestSummaryIncludesTopSources(t *testing.T) {
	withDb(t, func(t *testing.T, d Database) {
		usr, _ := d.InsertUser("summary@blah.com", []byte("blah"), false)
		records := []*Record{
			{SourceIp: "192.0.2.9", Count: 10, DkimResult: "pass", SpfResult: "pass"},
			{SourceIp: "192.0.2.8", Count: 4, DkimResult: "fail", SpfResult: "fail"},
		}
		rep := testReport(usr.Id, "sum-001")
		rep.TotalCount = 14
		rep.PassCount = 10
		rep.FailCount = 4
		if _, e := d.InsertReportWithRecords(rep, records); e != nil {
			t.Fatal(e)
		}
		wa := testWa(d)

		req := httptest.NewRequest("GET", "/api/analytics/summary", nil)
		rr := httptest.NewRecorder()
		wa.summary(rr, req, usr)
		if rr.Code != 200 {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp struct {
			TotalCount int            `json:"total_count"`
			TopSources []*SourceCount `json:"top_sources"`
		}
		if e := json.NewDecoder(rr.Body).Decode(&resp); e != nil {
			t.Fatal(e)
		}
		if resp.TotalCount != 14 {
			t.Errorf("total_count = %d, want 14", resp.TotalCount)
		}
		if len(resp.TopSources) != 2 || resp.TopSources[0].SourceIp != "192.0.2.9" {
			t.Fatalf("top_sources = %+v", resp.TopSources)
		}
		if resp.TopSources[1].Failed != 4 {
			t.Errorf("failed tally = %d, want 4", resp.TopSources[1].Failed)
		}
	})
}
