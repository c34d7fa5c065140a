package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tablesync/internal/blocks"
	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/amdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/database"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablecrdt"
	"github.com/MarcoPoloResearchLab/tablesync/internal/users"
	"github.com/MarcoPoloResearchLab/tablesync/internal/views"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "tablesync"
	testCookieName    = "tablesync_session"
)

type serverFixture struct {
	handler   http.Handler
	issuer    *auth.SessionIssuer
	hub       *collab.Hub
	documents *documents.Service
	blocks    *blocks.Cache
	realtime  *RealtimeDispatcher
	members   *users.Service
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("prop-%03d", p.next), nil
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create documents service: %v", err)
	}
	viewService, err := views.NewService(views.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to create views service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher(8)
	hub, err := collab.NewHub(collab.HubConfig{Store: documentService, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	t.Cleanup(hub.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	members, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create member directory: %v", err)
	}

	cache := blocks.NewCache()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Tables:            hub,
		UpdateLog:         documentService,
		Views:             viewService,
		Blocks:            cache,
		Realtime:          dispatcher,
		Members:           members,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return serverFixture{
		handler:   handler,
		issuer:    issuer,
		hub:       hub,
		documents: documentService,
		blocks:    cache,
		realtime:  dispatcher,
		members:   members,
	}
}

func (f serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID, "", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends an authenticated JSON request to the handler.
func (f serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+f.token(t, "user-1"))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func sampleTable() table.Table {
	sample := table.New(
		table.Column{ID: "col-title", Name: "Title", DataType: table.DataTypeText},
		table.Column{ID: "col-done", Name: "Done", DataType: table.DataTypeCheckbox},
	)
	sample.RowData["row-1"] = map[string]string{"col-title": "Draft agenda", "col-done": "false"}
	sample.RowData["row-2"] = map[string]string{"col-title": "Book room"}
	return sample
}

// clientUpdate writes value into a fresh client replica and returns the
// replica with its base64 change set.
func clientUpdate(t *testing.T, value table.Table) (*amdoc.Doc, string) {
	t.Helper()
	client := amdoc.New()
	if _, err := tablecrdt.SyncTo(tablecrdt.NewSharedTable(client, ""), value, "client"); err != nil {
		t.Fatalf("client sync failed: %v", err)
	}
	payload, err := documents.EncodeCrdtUpdate(client.SaveIncremental())
	if err != nil {
		t.Fatalf("failed to encode update: %v", err)
	}
	return client, payload.String()
}
