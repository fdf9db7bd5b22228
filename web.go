package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
)

type wa struct {
	lg        Login
	db        Database
	keyring   Keyring
	sched     *Scheduler
	poller    *Poller
	analyzer  *Analyzer
	jwtSecret []byte
}

type AuthenticatedHandler = func(w http.ResponseWriter, r *http.Request, u *Usr)

type UserClaims struct {
	jwt.StandardClaims
	*Usr
}

func (c UserClaims) Valid() error {
	return c.StandardClaims.Valid()
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if e := json.NewEncoder(w).Encode(v); e != nil {
		log.Print(e)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJson(w, status, map[string]string{"error": msg})
}

func (wa *wa) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	usr, e := wa.lg.Login(body.Email, body.Password)
	if e != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, UserClaims{
		jwt.StandardClaims{
			ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
		},
		usr,
	})
	tokenString, e := token.SignedString(wa.jwtSecret)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     GetString(JwtCookieNameKey),
		Value:    tokenString,
		HttpOnly: true,
		Secure:   GetBool(WebUseTlsKey),
		Path:     "/",
	})
	writeJson(w, http.StatusOK, usr)
}

func (wa *wa) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     GetString(JwtCookieNameKey),
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (wa *wa) checkLogin(next AuthenticatedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, e := r.Cookie(GetString(JwtCookieNameKey))
		if e != nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		var claims UserClaims
		_, e = jwt.ParseWithClaims(cookie.Value, &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return wa.jwtSecret, nil
		})
		if e != nil || claims.Valid() != nil {
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		next(w, r, claims.Usr)
	})
}

func (wa *wa) checkAdmin(next AuthenticatedHandler) http.Handler {
	return wa.checkLogin(func(w http.ResponseWriter, r *http.Request, u *Usr) {
		if !u.Admin {
			writeError(w, http.StatusForbidden, "administrator access required")
			return
		}
		next(w, r, u)
	})
}

func (wa *wa) health(w http.ResponseWriter, r *http.Request) {
	if e := wa.db.Ping(); e != nil {
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": e.Error()})
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (wa *wa) reports(w http.ResponseWriter, r *http.Request, u *Usr) {
	reports, e := wa.db.GetReports(u.Id)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusOK, reports)
}

func pathId(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (wa *wa) report(w http.ResponseWriter, r *http.Request, u *Usr) {
	id, e := pathId(r)
	if e != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	rep, e := wa.db.GetReport(id, u.Id)
	if e == NotFound {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	records, e := wa.db.GetRecords(rep.Id)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusOK, struct {
		*Report
		Records []*Record
	}{rep, records})
}

func (wa *wa) deleteReport(w http.ResponseWriter, r *http.Request, u *Usr) {
	id, e := pathId(r)
	if e != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	if e := wa.db.DeleteReport(id, u.Id); e == NotFound {
		writeError(w, http.StatusNotFound, "report not found")
		return
	} else if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (wa *wa) summary(w http.ResponseWriter, r *http.Request, u *Usr) {
	reports, e := wa.db.GetReports(u.Id)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	topSources, e := wa.db.GetTopSources(u.Id, 5)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	var total, pass, fail int
	domains := map[string]bool{}
	for _, rep := range reports {
		total += rep.TotalCount
		pass += rep.PassCount
		fail += rep.FailCount
		domains[rep.Domain] = true
	}
	passRate := 0.0
	if total > 0 {
		passRate = float64(pass) / float64(total) * 100
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"report_count": len(reports),
		"domain_count": len(domains),
		"total_count":  total,
		"pass_count":   pass,
		"fail_count":   fail,
		"pass_rate":    passRate,
		"top_sources":  topSources,
	})
}

// parseDmarc takes a raw aggregate report XML document in the request body
// and runs it through the same parse and dedup gate as polled mail.
func (wa *wa) parseDmarc(w http.ResponseWriter, r *http.Request, u *Usr) {
	var body struct {
		XmlData string `json:"xml_data"`
	}
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil || body.XmlData == "" {
		writeError(w, http.StatusBadRequest, "no XML data provided")
		return
	}
	parsed, e := ParseReport([]byte(body.XmlData))
	if e != nil {
		writeError(w, http.StatusBadRequest, e.Error())
		return
	}
	id, duplicate, e := wa.poller.storeReport(u.Id, 0, parsed)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	message := "DMARC report parsed and stored successfully"
	if duplicate {
		message = "DMARC report already stored"
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"message":   message,
		"report_id": id,
		"duplicate": duplicate,
		"summary": map[string]interface{}{
			"org_name":      parsed.OrgName,
			"domain":        parsed.Policy.Domain,
			"total_records": parsed.TotalCount,
			"pass_count":    parsed.PassCount,
			"fail_count":    parsed.FailCount,
		},
	})
}

func (wa *wa) analyzeDomain(w http.ResponseWriter, r *http.Request, u *Usr) {
	domain := mux.Vars(r)["domain"]
	analysis, e := wa.analyzer.AnalyzeDomain(u.Id, domain, GetInt(AnalysisWindowDaysKey))
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusOK, analysis)
}

type imapConfigBody struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTls   *bool  `json:"use_tls"`
	Folder   string `json:"folder"`
	Active   *bool  `json:"active"`
}

// Stored configs never leak the encrypted credential over the API.
type imapConfigView struct {
	Id           int64      `json:"id"`
	Name         string     `json:"name"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Username     string     `json:"username"`
	UseTls       bool       `json:"use_tls"`
	Folder       string     `json:"folder"`
	Active       bool       `json:"active"`
	LastPolledAt *time.Time `json:"last_polled_at"`
}

func configView(c *ImapConfig) *imapConfigView {
	return &imapConfigView{
		Id:           c.Id,
		Name:         c.Name,
		Host:         c.Host,
		Port:         c.Port,
		Username:     c.Username,
		UseTls:       c.UseTls,
		Folder:       c.Folder,
		Active:       c.Active,
		LastPolledAt: c.LastPolledAt,
	}
}

func (wa *wa) imapConfigs(w http.ResponseWriter, r *http.Request, u *Usr) {
	configs, e := wa.db.GetImapConfigs(u.Id)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	views := make([]*imapConfigView, 0, len(configs))
	for _, c := range configs {
		views = append(views, configView(c))
	}
	writeJson(w, http.StatusOK, views)
}

func (wa *wa) addImapConfig(w http.ResponseWriter, r *http.Request, u *Usr) {
	var body imapConfigBody
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Host == "" || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "host, username and password are required")
		return
	}
	config := &ImapConfig{
		UserId:   u.Id,
		Name:     body.Name,
		Host:     body.Host,
		Port:     body.Port,
		Username: body.Username,
		UseTls:   true,
		Folder:   body.Folder,
		Active:   true,
	}
	if config.Port == 0 {
		config.Port = 993
	}
	if config.Folder == "" {
		config.Folder = "INBOX"
	}
	if body.UseTls != nil {
		config.UseTls = *body.UseTls
	}
	if body.Active != nil {
		config.Active = *body.Active
	}

	// Verify the mailbox is reachable before persisting anything.
	if e := testImapConnection(config, body.Password); e != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{
			"error": "connection test failed",
			"kind":  classifyConnError(e),
			"cause": e.Error(),
		})
		return
	}

	enc, e := wa.keyring.Encrypt(body.Password)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	config.PasswordEnc = enc
	config, e = wa.db.InsertImapConfig(config)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusCreated, configView(config))
}

func (wa *wa) updateImapConfig(w http.ResponseWriter, r *http.Request, u *Usr) {
	id, e := pathId(r)
	if e != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	config, e := wa.db.GetImapConfig(id)
	if e == NotFound || (e == nil && config.UserId != u.Id) {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}

	var body imapConfigBody
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name != "" {
		config.Name = body.Name
	}
	if body.Host != "" {
		config.Host = body.Host
	}
	if body.Port != 0 {
		config.Port = body.Port
	}
	if body.Username != "" {
		config.Username = body.Username
	}
	if body.Folder != "" {
		config.Folder = body.Folder
	}
	if body.UseTls != nil {
		config.UseTls = *body.UseTls
	}
	if body.Active != nil {
		config.Active = *body.Active
	}
	if body.Password != "" {
		enc, e := wa.keyring.Encrypt(body.Password)
		if e != nil {
			writeError(w, http.StatusInternalServerError, e.Error())
			return
		}
		config.PasswordEnc = enc
	}
	if e := wa.db.UpdateImapConfig(config); e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusOK, configView(config))
}

func (wa *wa) deleteImapConfig(w http.ResponseWriter, r *http.Request, u *Usr) {
	id, e := pathId(r)
	if e != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	if e := wa.db.DeleteImapConfig(id, u.Id); e == NotFound {
		writeError(w, http.StatusNotFound, "config not found")
		return
	} else if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// processConfig triggers a synchronous poll of one config the caller owns.
func (wa *wa) processConfig(w http.ResponseWriter, r *http.Request, u *Usr) {
	id, e := pathId(r)
	if e != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	config, e := wa.db.GetImapConfig(id)
	if e == NotFound || (e == nil && config.UserId != u.Id) {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}

	stats := wa.sched.ProcessConfig(config)
	status := "success"
	if stats.ErrorCount() > 0 && stats.Inserted == 0 {
		status = "failed"
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Processed %d reports (%d duplicates skipped)",
			stats.Inserted, stats.Duplicates),
		"status":          status,
		"processed_count": stats.Inserted,
		"error_count":     stats.ErrorCount(),
		"errors":          stats.Errors,
	})
}

// processMine polls every active config the caller owns, synchronously,
// and reports per-config statistics.
func (wa *wa) processMine(w http.ResponseWriter, r *http.Request, u *Usr) {
	statsList, e := wa.sched.ProcessUserConfigs(u.Id)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	results := make([]map[string]interface{}, 0, len(statsList))
	var processed int
	for _, stats := range statsList {
		processed += stats.Inserted
		results = append(results, map[string]interface{}{
			"config_id":       stats.ConfigId,
			"processed_count": stats.Inserted,
			"duplicate_count": stats.Duplicates,
			"error_count":     stats.ErrorCount(),
			"errors":          stats.Errors,
		})
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"message":           fmt.Sprintf("Processed %d reports across %d configurations", processed, len(statsList)),
		"configs_processed": len(statsList),
		"results":           results,
	})
}

// processAll kicks off a background pass over every active config.
// Fire-and-forget: the admin does not wait for mailbox round trips.
func (wa *wa) processAll(w http.ResponseWriter, r *http.Request, u *Usr) {
	go func() {
		if _, e := wa.sched.ProcessAllConfigs(); e != nil {
			log.Printf("Admin triggered pass failed: %v", e)
		}
	}()
	writeJson(w, http.StatusAccepted, map[string]string{
		"message": "processing started",
		"status":  "started",
	})
}

func (wa *wa) addUser(w http.ResponseWriter, r *http.Request, u *Usr) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Admin    bool   `json:"admin"`
	}
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	usr, e := wa.lg.NewUser(body.Email, body.Password, body.Admin)
	if e != nil {
		writeError(w, http.StatusInternalServerError, e.Error())
		return
	}
	writeJson(w, http.StatusCreated, usr)
}

func (wa *wa) changePassword(w http.ResponseWriter, r *http.Request, u *Usr) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if e := json.NewDecoder(r.Body).Decode(&body); e != nil || body.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "old_password and new_password are required")
		return
	}
	if e := wa.lg.ChangePassword(u.Email, body.OldPassword, body.NewPassword); e != nil {
		writeError(w, http.StatusBadRequest, "password change failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func StartWebAdmin(lg Login, db Database, keyring Keyring, sched *Scheduler, poller *Poller, analyzer *Analyzer) {
	webAdmin := &wa{
		lg:        lg,
		db:        db,
		keyring:   keyring,
		sched:     sched,
		poller:    poller,
		analyzer:  analyzer,
		jwtSecret: getOrCreateJwtSecret(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", webAdmin.health).Methods("GET")
	r.HandleFunc("/api/login", webAdmin.login).Methods("POST")
	r.HandleFunc("/api/logout", webAdmin.logout).Methods("POST")

	r.Handle("/api/reports", webAdmin.checkLogin(webAdmin.reports)).Methods("GET")
	r.Handle("/api/reports/{id:[0-9]+}", webAdmin.checkLogin(webAdmin.report)).Methods("GET")
	r.Handle("/api/reports/{id:[0-9]+}", webAdmin.checkLogin(webAdmin.deleteReport)).Methods("DELETE")
	r.Handle("/api/analytics/summary", webAdmin.checkLogin(webAdmin.summary)).Methods("GET")
	r.Handle("/api/analysis/{domain}", webAdmin.checkLogin(webAdmin.analyzeDomain)).Methods("GET")
	r.Handle("/api/parse-dmarc", webAdmin.checkLogin(webAdmin.parseDmarc)).Methods("POST")

	r.Handle("/api/imap-configs", webAdmin.checkLogin(webAdmin.imapConfigs)).Methods("GET")
	r.Handle("/api/imap-configs", webAdmin.checkLogin(webAdmin.addImapConfig)).Methods("POST")
	r.Handle("/api/imap-configs/{id:[0-9]+}", webAdmin.checkLogin(webAdmin.updateImapConfig)).Methods("PUT")
	r.Handle("/api/imap-configs/{id:[0-9]+}", webAdmin.checkLogin(webAdmin.deleteImapConfig)).Methods("DELETE")
	r.Handle("/api/process/{id:[0-9]+}", webAdmin.checkLogin(webAdmin.processConfig)).Methods("POST")
	r.Handle("/api/process", webAdmin.checkLogin(webAdmin.processMine)).Methods("POST")

	r.Handle("/api/change-password", webAdmin.checkLogin(webAdmin.changePassword)).Methods("POST")
	r.Handle("/api/admin/process-all", webAdmin.checkAdmin(webAdmin.processAll)).Methods("POST")
	r.Handle("/api/admin/users", webAdmin.checkAdmin(webAdmin.addUser)).Methods("POST")

	go func() {
		addr := GetString(WebAddressKey)
		log.Printf("Started web API at %v", addr)
		var err error
		if GetBool(WebUseTlsKey) {
			err = http.ListenAndServeTLS(addr, GetString(CertificateFileKey), GetString(KeyFileKey), r)
		} else {
			err = http.ListenAndServe(addr, r)
		}
		if err != nil {
			log.Fatal(err)
		}
	}()
}

func getOrCreateJwtSecret() []byte {
	path := GetString(JwtSecretFileKey)
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) >= 32 {
		return secret
	}
	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		log.Fatal(err)
	}
	return secret
}
