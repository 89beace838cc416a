package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sessiongate/internal/domain"
	"sessiongate/internal/geo"
	"sessiongate/internal/http/handler"
	"sessiongate/internal/http/middleware"
	"sessiongate/internal/http/router"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

var integrationDBSeq int

// testStack keeps handles to the layers behind the HTTP server so tests can
// reach past the API when arranging state.
type testStack struct {
	db       *gorm.DB
	store    *repository.GormSessionStore
	users    *repository.GormUserRepository
	sessions *service.SessionService
	monitor  *service.Monitor
}

func newAuthTestServer(t *testing.T) (string, *http.Client, *testStack, func()) {
	t.Helper()
	integrationDBSeq++
	dsn := fmt.Sprintf("file:integration_test_%d?mode=memory&cache=shared", integrationDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewGormSessionStore(db)
	users := repository.NewUserRepository(db)
	sessions := service.NewSessionService(store, geo.NewStaticResolver(), log,
		5, 24*time.Hour, 30*24*time.Hour, 7*24*time.Hour)
	jwtMgr := security.NewJWTManager("sessiongate-test", "sessiongate-clients",
		"integration-access-secret-0123456789",
		"integration-refresh-secret-012345678")
	tokens := service.NewTokenService(jwtMgr, store, 15*time.Minute, 24*time.Hour, 3, 0)
	auth := service.NewAuthService(users, sessions, tokens, bcrypt.MinCost)
	monitor := service.NewMonitor(sessions, log, time.Hour, time.Hour, 50)

	cookies := security.CookieWriter{}
	deps := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, cookies, 15*time.Minute, 24*time.Hour, log),
		SessionHandler:   handler.NewSessionHandler(sessions, log),
		MonitorHandler:   handler.NewMonitorHandler(monitor, log),
		Gate:             middleware.NewSessionGate(tokens, sessions, 30*time.Minute, 5*time.Minute),
		Logger:           log,
		APIRateLimitRPM:  10000,
		AuthRateLimitRPM: 10000,
	}
	srv := httptest.NewServer(router.NewRouter(deps))

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}

	stack := &testStack{db: db, store: store, users: users, sessions: sessions, monitor: monitor}
	return srv.URL, client, stack, srv.Close
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, client *http.Client, method, rawURL string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, rawURL, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "integration-test-agent")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope %q: %v", raw, err)
		}
	}
	return resp, env
}

func cookieValue(t *testing.T, client *http.Client, baseURL, path, name string) string {
	t.Helper()
	u, err := url.Parse(baseURL + path)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

type loginResult struct {
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
	SessionID    string `json:"session_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CSRFToken    string `json:"csrf_token"`
}

func register(t *testing.T, client *http.Client, baseURL, email, password string) loginResult {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", map[string]string{
		"email":    email,
		"name":     "Integration Tester",
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("register: status=%d env=%+v", resp.StatusCode, env)
	}
	return decodeLogin(t, env)
}

func login(t *testing.T, client *http.Client, baseURL, email, password string) loginResult {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login: status=%d env=%+v", resp.StatusCode, env)
	}
	return decodeLogin(t, env)
}

func decodeLogin(t *testing.T, env envelope) loginResult {
	t.Helper()
	var res loginResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode login payload: %v", err)
	}
	if res.SessionID == "" || res.AccessToken == "" || res.RefreshToken == "" || res.CSRFToken == "" {
		t.Fatalf("login payload incomplete: %+v", res)
	}
	return res
}

// csrfHeaders returns the header set for a state-changing request made with
// the client's current cookie jar.
func csrfHeaders(t *testing.T, client *http.Client, baseURL string) map[string]string {
	t.Helper()
	csrf := cookieValue(t, client, baseURL, "/", security.CSRFTokenCookie)
	if csrf == "" {
		t.Fatal("no csrf cookie in jar")
	}
	return map[string]string{"X-CSRF-Token": csrf}
}
