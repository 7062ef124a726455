package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/collab"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/database"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testProjectID     = "project-1"
	testSigningSecret = "test-signing-secret"
	testIssuer        = "sitecraft-auth"
	testAudience      = "sitecraft-api"
)

var (
	ownerIdentity  = auth.Identity{UserID: "user-owner", Username: "owner", Email: "owner@example.com"}
	editorIdentity = auth.Identity{UserID: "user-editor", Username: "editor", Email: "editor@example.com"}
	viewerIdentity = auth.Identity{UserID: "user-viewer", Username: "viewer", Email: "viewer@example.com"}
)

type serverFixture struct {
	handler    *Handler
	server     *httptest.Server
	issuer     *auth.TokenIssuer
	engine     *collab.Engine
	membership *membership.Service
	registry   *sessions.Registry
	db         *gorm.DB
}

// newServerFixture wires the full stack on an in-memory database. The editor
// and viewer have accepted invitations; the owner registered the project.
func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	for _, identity := range []auth.Identity{ownerIdentity, editorIdentity, viewerIdentity} {
		if _, err := directory.Remember(context.Background(), identity); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
	}
	members, err := membership.NewService(membership.ServiceConfig{
		Database:   db,
		Directory:  directory,
		IDProvider: ids.NewSequence("collab"),
	})
	if err != nil {
		t.Fatalf("failed to build membership service: %v", err)
	}
	if _, err := members.RegisterProject(context.Background(), testProjectID, ownerIdentity.UserID, "Landing page"); err != nil {
		t.Fatalf("failed to register project: %v", err)
	}
	for _, invitee := range []struct {
		identity auth.Identity
		role     membership.Role
	}{{editorIdentity, membership.RoleEditor}, {viewerIdentity, membership.RoleViewer}} {
		if _, err := members.Invite(context.Background(), testProjectID, ownerIdentity.UserID, invitee.identity.Email, invitee.role); err != nil {
			t.Fatalf("invite failed: %v", err)
		}
		if _, err := members.Accept(context.Background(), testProjectID, invitee.identity.UserID); err != nil {
			t.Fatalf("accept failed: %v", err)
		}
	}

	logService, err := eventlog.NewService(eventlog.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build event log: %v", err)
	}
	store, err := sessions.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build session store: %v", err)
	}
	registry, err := sessions.NewRegistry(sessions.RegistryConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	engine, err := collab.NewEngine(collab.Config{
		Registry:    registry,
		Broadcaster: room.NewBroadcaster(nil),
		Membership:  members,
		Log:         logService,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	gate, err := auth.NewGate(auth.GateConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: gate,
		Directory:     directory,
		Engine:        engine,
		WebSocket:     WebSocketConfig{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return serverFixture{
		handler:    handler,
		server:     server,
		issuer:     issuer,
		engine:     engine,
		membership: members,
		registry:   registry,
		db:         db,
	}
}

func (f serverFixture) token(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do performs an authenticated request against the router without a network hop.
func (f serverFixture) do(t *testing.T, identity auth.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if identity.UserID != "" {
		request.Header.Set("Authorization", "Bearer "+f.token(t, identity))
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (f serverFixture) collaboratorID(t *testing.T, userID string) string {
	t.Helper()
	collaborators, err := f.membership.List(context.Background(), testProjectID, ownerIdentity.UserID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, collaborator := range collaborators {
		if collaborator.UserID == userID {
			return collaborator.ID
		}
	}
	t.Fatalf("no collaborator row for %s", userID)
	return ""
}
