package main

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Interface
type Database interface {
	InsertUser(email string, passwordBytes []byte, admin bool) (*Usr, error)
	GetUserAndPassword(email string) (*Usr, []byte, error)
	GetUsers() ([]*Usr, error)
	DeleteUser(email string) error
	SetUserPassword(email string, passwordBytes []byte) error

	InsertImapConfig(c *ImapConfig) (*ImapConfig, error)
	GetImapConfigs(usrId int64) ([]*ImapConfig, error)
	GetImapConfig(id int64) (*ImapConfig, error)
	GetActiveImapConfigs() ([]*ImapConfig, error)
	GetActiveImapConfigsForUser(usrId int64) ([]*ImapConfig, error)
	UpdateImapConfig(c *ImapConfig) error
	UpdateLastPolled(configId int64, at time.Time) error
	DeleteImapConfig(id, usrId int64) error

	GetReportByIdentity(usrId int64, reportId, domain string) (*Report, error)
	InsertReportWithRecords(report *Report, records []*Record) (*Report, error)
	GetReports(usrId int64) ([]*Report, error)
	GetReport(id, usrId int64) (*Report, error)
	GetReportsForDomain(usrId int64, domain string, since time.Time) ([]*Report, error)
	GetRecords(reportId int64) ([]*Record, error)
	GetRecordsForDomain(usrId int64, domain string, since time.Time) ([]*Record, error)
	GetTopSources(usrId int64, limit int) ([]*SourceCount, error)
	DeleteReport(id, usrId int64) error

	InsertAuditLog(usrId int64, action, resourceId, details string) error

	Ping() error
}

var NotFound = errors.New("not found")

type sqlDb struct {
	db  *sql.DB
	mut *sync.RWMutex
}

func (db *sqlDb) InsertUser(email string, passwordBytes []byte, admin bool) (*Usr, error) {
	db.mut.Lock()
	defer db.mut.Unlock()
	usr := &Usr{
		Email: email,
		Admin: admin,
	}
	r, e := db.db.Exec(`
		INSERT INTO users(email, passwordBytes, admin)
		VALUES (?, ?, ?)
	`, email, passwordBytes, admin)
	return usr, checkErrorsSetId(&usr.HasId, r, e)
}

func (db *sqlDb) GetUserAndPassword(email string) (*Usr, []byte, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	usr := &Usr{}
	var passwordBytes []byte
	e := db.db.QueryRow(`
		SELECT id, email, passwordBytes, admin
		FROM users
		WHERE email = ?
	`, email).Scan(&usr.Id, &usr.Email, &passwordBytes, &usr.Admin)
	if e == sql.ErrNoRows {
		return nil, nil, NotFound
	}
	if e != nil {
		return nil, nil, e
	}
	return usr, passwordBytes, nil
}

func (db *sqlDb) GetUsers() ([]*Usr, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT id, email, admin
		FROM users
	`)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	usrs := []*Usr{}
	for rows.Next() {
		usr := &Usr{}
		if e := rows.Scan(&usr.Id, &usr.Email, &usr.Admin); e != nil {
			return nil, e
		}
		usrs = append(usrs, usr)
	}
	return usrs, rows.Err()
}

func (db *sqlDb) DeleteUser(email string) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return checkOneRowAffected(db.db.Exec(`
		DELETE FROM users
		WHERE email = ?
	`, email))
}

func (db *sqlDb) SetUserPassword(email string, passwordBytes []byte) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return checkOneRowAffected(db.db.Exec(`
		UPDATE users
		SET passwordBytes = ?
		WHERE email = ?
	`, passwordBytes, email))
}

func (db *sqlDb) InsertImapConfig(c *ImapConfig) (*ImapConfig, error) {
	db.mut.Lock()
	defer db.mut.Unlock()
	r, e := db.db.Exec(`
		INSERT INTO imap_configs(userid, name, host, port, username, passwordenc, usetls, folder, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.UserId, c.Name, c.Host, c.Port, c.Username, c.PasswordEnc, c.UseTls, c.Folder, c.Active)
	return c, checkErrorsSetId(&c.HasId, r, e)
}

const imapConfigColumns = `
	id, userid, name, host, port, username, passwordenc, usetls, folder, active, lastpolledat
`

func scanImapConfig(row interface{ Scan(...interface{}) error }) (*ImapConfig, error) {
	c := &ImapConfig{}
	var lastPolled sql.NullTime
	e := row.Scan(&c.Id, &c.UserId, &c.Name, &c.Host, &c.Port, &c.Username,
		&c.PasswordEnc, &c.UseTls, &c.Folder, &c.Active, &lastPolled)
	if e != nil {
		return nil, e
	}
	if lastPolled.Valid {
		t := lastPolled.Time
		c.LastPolledAt = &t
	}
	return c, nil
}

func (db *sqlDb) queryImapConfigs(query string, args ...interface{}) ([]*ImapConfig, error) {
	rows, e := db.db.Query(query, args...)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	configs := []*ImapConfig{}
	for rows.Next() {
		c, e := scanImapConfig(rows)
		if e != nil {
			return nil, e
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (db *sqlDb) GetImapConfigs(usrId int64) ([]*ImapConfig, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	return db.queryImapConfigs(`
		SELECT `+imapConfigColumns+`
		FROM imap_configs
		WHERE userid = ?
		ORDER BY id
	`, usrId)
}

func (db *sqlDb) GetImapConfig(id int64) (*ImapConfig, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	c, e := scanImapConfig(db.db.QueryRow(`
		SELECT `+imapConfigColumns+`
		FROM imap_configs
		WHERE id = ?
	`, id))
	if e == sql.ErrNoRows {
		return nil, NotFound
	}
	return c, e
}

func (db *sqlDb) GetActiveImapConfigs() ([]*ImapConfig, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	return db.queryImapConfigs(`
		SELECT `+imapConfigColumns+`
		FROM imap_configs
		WHERE active = 1
		ORDER BY id
	`)
}

func (db *sqlDb) GetActiveImapConfigsForUser(usrId int64) ([]*ImapConfig, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	return db.queryImapConfigs(`
		SELECT `+imapConfigColumns+`
		FROM imap_configs
		WHERE active = 1
		AND userid = ?
		ORDER BY id
	`, usrId)
}

func (db *sqlDb) UpdateImapConfig(c *ImapConfig) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return checkOneRowAffected(db.db.Exec(`
		UPDATE imap_configs
		SET name = ?, host = ?, port = ?, username = ?, passwordenc = ?,
			usetls = ?, folder = ?, active = ?
		WHERE id = ?
		AND userid = ?
	`, c.Name, c.Host, c.Port, c.Username, c.PasswordEnc, c.UseTls, c.Folder,
		c.Active, c.Id, c.UserId))
}

func (db *sqlDb) UpdateLastPolled(configId int64, at time.Time) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return checkOneRowAffected(db.db.Exec(`
		UPDATE imap_configs
		SET lastpolledat = ?
		WHERE id = ?
	`, at, configId))
}

func (db *sqlDb) DeleteImapConfig(id, usrId int64) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return checkOneRowAffected(db.db.Exec(`
		DELETE FROM imap_configs
		WHERE id = ?
		AND userid = ?
	`, id, usrId))
}

const reportColumns = `
	id, userid, configid, orgname, email, reportid, domain, rangebegin, rangeend,
	policy, subdomainpolicy, pct, adkim, aspf, totalcount, passcount, failcount,
	status, errormessage, created
`

func scanReport(row interface{ Scan(...interface{}) error }) (*Report, error) {
	rep := &Report{}
	var configId sql.NullInt64
	var errMsg sql.NullString
	e := row.Scan(&rep.Id, &rep.UserId, &configId, &rep.OrgName, &rep.Email,
		&rep.ReportId, &rep.Domain, &rep.Begin, &rep.End, &rep.Policy,
		&rep.SubPolicy, &rep.Percent, &rep.Adkim, &rep.Aspf, &rep.TotalCount,
		&rep.PassCount, &rep.FailCount, &rep.Status, &errMsg, &rep.CreatedAt)
	if e != nil {
		return nil, e
	}
	if configId.Valid {
		id := configId.Int64
		rep.ConfigId = &id
	}
	rep.ErrorMessage = errMsg.String
	return rep, nil
}

func (db *sqlDb) GetReportByIdentity(usrId int64, reportId, domain string) (*Report, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rep, e := scanReport(db.db.QueryRow(`
		SELECT `+reportColumns+`
		FROM dmarc_reports
		WHERE userid = ?
		AND reportid = ?
		AND domain = ?
	`, usrId, reportId, domain))
	if e == sql.ErrNoRows {
		return nil, NotFound
	}
	return rep, e
}

// InsertReportWithRecords stores the report row pending, loads the records
// and settles the row on a terminal status, all in one transaction. When a
// record refuses to land the partial records are removed and the report
// row is kept with status failed and the cause in errormessage; the caller
// still sees the error.
func (db *sqlDb) InsertReportWithRecords(report *Report, records []*Record) (*Report, error) {
	db.mut.Lock()
	defer db.mut.Unlock()
	var recordErr error
	e := transact(db.db, func(tx *sql.Tx) error {
		report.Status = StatusPending
		res, e := tx.Exec(`
			INSERT INTO dmarc_reports(userid, configid, orgname, email, reportid,
				domain, rangebegin, rangeend, policy, subdomainpolicy, pct, adkim,
				aspf, totalcount, passcount, failcount, status, errormessage, created)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, report.UserId, report.ConfigId, report.OrgName, report.Email,
			report.ReportId, report.Domain, report.Begin, report.End,
			report.Policy, report.SubPolicy, report.Percent, report.Adkim,
			report.Aspf, report.TotalCount, report.PassCount, report.FailCount,
			report.Status, report.ErrorMessage, report.CreatedAt)
		if e := checkErrorsSetId(&report.HasId, res, e); e != nil {
			return e
		}
		for _, rec := range records {
			rec.ReportId = report.Id
			res, e := tx.Exec(`
				INSERT INTO dmarc_records(reportid, sourceip, count, disposition,
					dkimresult, spfresult, dkimdomain, dkimselector, spfdomain,
					headerfrom, envelopefrom, envelopeto)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.ReportId, rec.SourceIp, rec.Count, rec.Disposition,
				rec.DkimResult, rec.SpfResult, rec.DkimDomain, rec.DkimSelector,
				rec.SpfDomain, rec.HeaderFrom, rec.EnvelopeFrom, rec.EnvelopeTo)
			if e := checkErrorsSetId(&rec.HasId, res, e); e != nil {
				recordErr = e
				break
			}
		}
		if recordErr != nil {
			// No partial record sets: keep only the failed report stub.
			if _, e := tx.Exec(`
				DELETE FROM dmarc_records
				WHERE reportid = ?
			`, report.Id); e != nil {
				return recordErr
			}
			report.Status = StatusFailed
			report.ErrorMessage = recordErr.Error()
		} else {
			report.Status = StatusSuccess
		}
		_, e = tx.Exec(`
			UPDATE dmarc_reports
			SET status = ?, errormessage = ?
			WHERE id = ?
		`, report.Status, report.ErrorMessage, report.Id)
		return e
	})
	if e != nil {
		return report, e
	}
	return report, recordErr
}

func (db *sqlDb) GetReports(usrId int64) ([]*Report, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT `+reportColumns+`
		FROM dmarc_reports
		WHERE userid = ?
		ORDER BY rangebegin DESC, id DESC
	`, usrId)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	reports := []*Report{}
	for rows.Next() {
		rep, e := scanReport(rows)
		if e != nil {
			return nil, e
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

func (db *sqlDb) GetReport(id, usrId int64) (*Report, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rep, e := scanReport(db.db.QueryRow(`
		SELECT `+reportColumns+`
		FROM dmarc_reports
		WHERE id = ?
		AND userid = ?
	`, id, usrId))
	if e == sql.ErrNoRows {
		return nil, NotFound
	}
	return rep, e
}

func (db *sqlDb) GetReportsForDomain(usrId int64, domain string, since time.Time) ([]*Report, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT `+reportColumns+`
		FROM dmarc_reports
		WHERE userid = ?
		AND domain = ?
		AND created >= ?
		ORDER BY rangebegin DESC, id DESC
	`, usrId, domain, since)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	reports := []*Report{}
	for rows.Next() {
		rep, e := scanReport(rows)
		if e != nil {
			return nil, e
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

func (db *sqlDb) GetRecords(reportId int64) ([]*Record, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT id, reportid, sourceip, count, disposition, dkimresult, spfresult,
			dkimdomain, dkimselector, spfdomain, headerfrom, envelopefrom, envelopeto
		FROM dmarc_records
		WHERE reportid = ?
		ORDER BY id
	`, reportId)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	records := []*Record{}
	for rows.Next() {
		rec := &Record{}
		e := rows.Scan(&rec.Id, &rec.ReportId, &rec.SourceIp, &rec.Count,
			&rec.Disposition, &rec.DkimResult, &rec.SpfResult, &rec.DkimDomain,
			&rec.DkimSelector, &rec.SpfDomain, &rec.HeaderFrom,
			&rec.EnvelopeFrom, &rec.EnvelopeTo)
		if e != nil {
			return nil, e
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (db *sqlDb) GetRecordsForDomain(usrId int64, domain string, since time.Time) ([]*Record, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT r.id, r.reportid, r.sourceip, r.count, r.disposition, r.dkimresult,
			r.spfresult, r.dkimdomain, r.dkimselector, r.spfdomain, r.headerfrom,
			r.envelopefrom, r.envelopeto
		FROM dmarc_records r
		JOIN dmarc_reports p ON r.reportid = p.id
		WHERE p.userid = ?
		AND p.domain = ?
		AND p.created >= ?
		ORDER BY r.id
	`, usrId, domain, since)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	records := []*Record{}
	for rows.Next() {
		rec := &Record{}
		e := rows.Scan(&rec.Id, &rec.ReportId, &rec.SourceIp, &rec.Count,
			&rec.Disposition, &rec.DkimResult, &rec.SpfResult, &rec.DkimDomain,
			&rec.DkimSelector, &rec.SpfDomain, &rec.HeaderFrom,
			&rec.EnvelopeFrom, &rec.EnvelopeTo)
		if e != nil {
			return nil, e
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetTopSources aggregates record counts per source IP over all of one
// user's reports. Failed tallies raw authentication results, not aligned
// DMARC outcomes, which are only derivable per-report.
func (db *sqlDb) GetTopSources(usrId int64, limit int) ([]*SourceCount, error) {
	db.mut.RLock()
	defer db.mut.RUnlock()
	rows, e := db.db.Query(`
		SELECT r.sourceip,
			SUM(r.count),
			SUM(CASE WHEN r.dkimresult != 'pass' AND r.spfresult != 'pass' THEN r.count ELSE 0 END)
		FROM dmarc_records r
		JOIN dmarc_reports p ON r.reportid = p.id
		WHERE p.userid = ?
		GROUP BY r.sourceip
		ORDER BY SUM(r.count) DESC, r.sourceip
		LIMIT ?
	`, usrId, limit)
	if e != nil {
		return nil, e
	}
	defer rows.Close()
	sources := []*SourceCount{}
	for rows.Next() {
		s := &SourceCount{}
		if e := rows.Scan(&s.SourceIp, &s.Total, &s.Failed); e != nil {
			return nil, e
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (db *sqlDb) DeleteReport(id, usrId int64) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	return transact(db.db, func(tx *sql.Tx) error {
		_, e := tx.Exec(`
			DELETE FROM dmarc_records
			WHERE reportid = ?
		`, id)
		if e != nil {
			return e
		}
		return checkOneRowAffected(tx.Exec(`
			DELETE FROM dmarc_reports
			WHERE id = ?
			AND userid = ?
		`, id, usrId))
	})
}

func (db *sqlDb) InsertAuditLog(usrId int64, action, resourceId, details string) error {
	db.mut.Lock()
	defer db.mut.Unlock()
	_, e := db.db.Exec(`
		INSERT INTO audit_logs(userid, action, resourceid, details, ts)
		VALUES (?, ?, ?, ?, ?)
	`, usrId, action, resourceId, details, time.Now().UTC())
	return e
}

func (db *sqlDb) Ping() error {
	return db.db.Ping()
}

func checkErrorsSetId(o *HasId, r sql.Result, e error) error {
	if e != nil {
		return e
	}
	i, e := r.LastInsertId()
	if e != nil {
		return e
	}
	o.Id = i
	return nil
}

func checkOneRowAffected(r sql.Result, e error) error {
	if e != nil {
		return e
	}
	i, e := r.RowsAffected()
	if e != nil {
		return e
	}
	if i != 1 {
		return NotFound
	}
	return nil
}

func transact(db *sql.DB, txFunc func(*sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // re-throw panic after Rollback
		} else if err != nil {
			tx.Rollback() // err is non-nil; don't change it
		} else {
			err = tx.Commit() // err is nil; if Commit returns error update err
		}
	}()
	err = txFunc(tx)
	return err
}

func NewDatabase() Database {
	db, err := sql.Open(GetString(DbDriverNameKey), GetString(DbConnectionStringKey))
	if err != nil {
		log.Fatal(err)
	}
	initSql := `
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS users (
			id integer primary key,
			email text,
			passwordBytes blob,
			admin bool
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (
			email
		);
		CREATE TABLE IF NOT EXISTS imap_configs (
			id integer primary key,
			userid integer not null,
			name text,
			host text,
			port integer default 993,
			username text,
			passwordenc text,
			usetls bool default true,
			folder text default 'INBOX',
			active bool default true,
			lastpolledat timestamp,
			FOREIGN KEY(userid) REFERENCES users(id)
		);
		CREATE TABLE IF NOT EXISTS dmarc_reports (
			id integer primary key,
			userid integer not null,
			configid integer,
			orgname text,
			email text,
			reportid text,
			domain text,
			rangebegin timestamp,
			rangeend timestamp,
			policy text,
			subdomainpolicy text,
			pct integer default 100,
			adkim text,
			aspf text,
			totalcount integer default 0,
			passcount integer default 0,
			failcount integer default 0,
			status text default 'pending',
			errormessage text,
			created timestamp,
			FOREIGN KEY(userid) REFERENCES users(id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_identity ON dmarc_reports (
			userid, reportid, domain
		);
		CREATE TABLE IF NOT EXISTS dmarc_records (
			id integer primary key,
			reportid integer not null,
			sourceip text,
			count integer check (count > 0),
			disposition text,
			dkimresult text,
			spfresult text,
			dkimdomain text,
			dkimselector text,
			spfdomain text,
			headerfrom text,
			envelopefrom text,
			envelopeto text,
			FOREIGN KEY(reportid) REFERENCES dmarc_reports(id)
		);
		CREATE TABLE IF NOT EXISTS audit_logs (
			id integer primary key,
			userid integer,
			action text,
			resourceid text,
			details text,
			ts timestamp
		);
	`
	_, err = db.Exec(initSql)
	if err != nil {
		log.Fatal(err)
	}
	return &sqlDb{
		db:  db,
		mut: new(sync.RWMutex),
	}
}
