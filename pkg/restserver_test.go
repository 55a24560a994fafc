package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/auth"
	"github.com/Anirudh-x/CyberForge-sub000/internal/catalog"
	"github.com/Anirudh-x/CyberForge-sub000/internal/deploy"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/api"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Mock Deployer
// ---------------------------------------------------------------------------

type mockDeployer struct {
	mu             sync.Mutex
	deployCalls    []deployCall
	terminateCalls []string
	stopCalls      []string
	resumeCalls    []string

	deployFn    func(ctx context.Context, conf *config.Config, machine *models.Machine, primary *catalog.Module) (*deploy.Result, error)
	terminateFn func(ctx context.Context, conf *config.Config, machine *models.Machine) error
}

type deployCall struct {
	MachineID string
	ModuleID  string
}

func (m *mockDeployer) Deploy(ctx context.Context, conf *config.Config, machine *models.Machine, primary *catalog.Module) (*deploy.Result, error) {
	m.mu.Lock()
	m.deployCalls = append(m.deployCalls, deployCall{MachineID: machine.ID, ModuleID: primary.ModuleID})
	m.mu.Unlock()
	if m.deployFn != nil {
		return m.deployFn(ctx, conf, machine, primary)
	}
	return &deploy.Result{
		ContainerID: "cont-123",
		ImageName:   "cyberforge/web-" + primary.ModuleID + ":latest",
		Port:        8001,
		Access:      deploy.BuildAccess(primary, conf.Orchestrator.PublicHost, 8001),
	}, nil
}

func (m *mockDeployer) Terminate(ctx context.Context, conf *config.Config, machine *models.Machine) error {
	m.mu.Lock()
	m.terminateCalls = append(m.terminateCalls, machine.ID)
	m.mu.Unlock()
	if m.terminateFn != nil {
		return m.terminateFn(ctx, conf, machine)
	}
	return nil
}

func (m *mockDeployer) Stop(_ context.Context, _ *config.Config, machine *models.Machine) error {
	m.mu.Lock()
	m.stopCalls = append(m.stopCalls, machine.ID)
	m.mu.Unlock()
	return nil
}

func (m *mockDeployer) Resume(_ context.Context, _ *config.Config, machine *models.Machine) error {
	m.mu.Lock()
	m.resumeCalls = append(m.resumeCalls, machine.ID)
	m.mu.Unlock()
	return nil
}

var _ deploy.Deployer = (*mockDeployer)(nil)

// ---------------------------------------------------------------------------
// Mock Catalog (simple in-memory, no filesystem)
// ---------------------------------------------------------------------------

type mockCatalog struct {
	modules map[string]*catalog.Module
}

func newMockCatalog(mods ...*catalog.Module) *mockCatalog {
	m := &mockCatalog{modules: make(map[string]*catalog.Module)}
	for _, mod := range mods {
		m.modules[mod.Domain+"/"+mod.ModuleID] = mod
	}
	return m
}

func (m *mockCatalog) Get(domain, moduleID string) (*catalog.Module, error) {
	mod, ok := m.modules[domain+"/"+moduleID]
	if !ok {
		return nil, fmt.Errorf("module %s/%s: %w", domain, moduleID, catalog.ErrNotFound)
	}
	return mod, nil
}

func (m *mockCatalog) GetAll() []*catalog.Module {
	var all []*catalog.Module
	for _, mod := range m.modules {
		all = append(all, mod)
	}
	return all
}

func (m *mockCatalog) BuildIndex(_ string) error { return nil }

var _ catalog.Catalog = (*mockCatalog)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func defaultTestConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{JWTSecret: "testsecret"},
		Orchestrator: config.OrchestratorConfig{
			ModuleDir:      "/tmp/modules",
			PublicHost:     "machines.example.com",
			DockerBinary:   "docker",
			PortRangeStart: 8000,
			StopTimeout:    5 * time.Second,
			DeployTimeout:  30 * time.Second,
		},
	}
}

func sqliModule() *catalog.Module {
	return &catalog.Module{
		ModuleID:      "sql-injection",
		Domain:        "web",
		Route:         "/login",
		Points:        100,
		Difficulty:    "low",
		SolveMethod:   "gui",
		ContainerPort: 80,
		ContextDir:    "/tmp/modules/web/sql-injection",
	}
}

func xssModule() *catalog.Module {
	return &catalog.Module{
		ModuleID:      "stored-xss",
		Domain:        "web",
		Route:         "/comments",
		Points:        150,
		Difficulty:    "medium",
		SolveMethod:   "gui",
		ContainerPort: 80,
		ContextDir:    "/tmp/modules/web/stored-xss",
	}
}

func newTestServerWithMock(t *testing.T, deployer *mockDeployer, cat catalog.Catalog) *Server {
	t.Helper()
	cfg := defaultTestConfig()
	db, err := InitDB(":memory:")
	require.NoError(t, err)

	return NewServerWithOpts(ServerOpts{
		DB:             db,
		Catalog:        cat,
		ConfigProvider: &config.StaticProvider{Cfg: cfg},
		Deployer:       deployer,
	})
}

func echoCtxWithClaimsAndBody(method, path string, claims *auth.Claims, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if claims != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		c.Set("user", token)
	}
	return c, rec
}

func userClaims(userID string) *auth.Claims {
	return &auth.Claims{UserID: userID, Username: userID, Role: "user"}
}

// waitForBackground waits for all background goroutines tracked by the server.
func waitForBackground(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "timed out waiting for background goroutines")
}

// createRunningMachine drives the full create flow and waits for the
// background deploy, returning the machine as persisted.
func createRunningMachine(t *testing.T, srv *Server, userID string, modules ...string) *models.Machine {
	t.Helper()
	body := fmt.Sprintf(`{"name":"training box","domain":"web","modules":["%s"]}`, strings.Join(modules, `","`))
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims(userID), body)
	require.NoError(t, srv.CreateMachine(ctx))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp api.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	waitForBackground(t, srv)

	machine, err := models.GetMachine(srv.db, resp.Machine.ID, false)
	require.NoError(t, err)
	return machine
}

// ---------------------------------------------------------------------------
// GetHealth
// ---------------------------------------------------------------------------

func TestGetHealth(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/health", nil, "")
	err := srv.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// ---------------------------------------------------------------------------
// CreateMachine
// ---------------------------------------------------------------------------

func TestCreateMachine_Success(t *testing.T) {
	deployer := &mockDeployer{}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule(), xssModule()))

	body := `{"name":"my box","domain":"web","modules":["sql-injection","stored-xss"]}`
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), body)

	err := srv.CreateMachine(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp api.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "building", resp.Machine.Status)
	assert.Equal(t, []string{"sql-injection", "stored-xss"}, resp.Machine.Modules)

	waitForBackground(t, srv)

	// Deployer called once with the first module as primary
	assert.Len(t, deployer.deployCalls, 1)
	assert.Equal(t, "sql-injection", deployer.deployCalls[0].ModuleID)

	machine, err := models.GetMachine(srv.db, resp.Machine.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusRunning, machine.Status)
	require.NotNil(t, machine.Port)
	assert.Equal(t, 8001, *machine.Port)
	require.NotNil(t, machine.ContainerID)
	assert.Equal(t, "cont-123", *machine.ContainerID)
	assert.Equal(t, 250, machine.TotalPoints)
	require.NotNil(t, machine.Access)
	assert.Equal(t, "gui", machine.Access.Data().Kind)
	assert.Equal(t, "http://machines.example.com:8001/login", machine.Access.Data().URL)
}

func TestCreateMachine_Unauthorized_NoClaims(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", nil, `{"name":"x","domain":"web","modules":["sql-injection"]}`)
	require.NoError(t, srv.CreateMachine(ctx))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateMachine_Validation(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"domain":"web","modules":["sql-injection"]}`},
		{"invalid domain", `{"name":"x","domain":"quantum","modules":["sql-injection"]}`},
		{"empty modules", `{"name":"x","domain":"web","modules":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), tc.body)
			require.NoError(t, srv.CreateMachine(ctx))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateMachine_UnknownModulesSkipped(t *testing.T) {
	deployer := &mockDeployer{}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))

	body := `{"name":"partial","domain":"web","modules":["no-such-module","sql-injection"]}`
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), body)
	require.NoError(t, srv.CreateMachine(ctx))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp api.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"sql-injection"}, resp.Machine.Modules)

	waitForBackground(t, srv)

	machine, err := models.GetMachine(srv.db, resp.Machine.ID, false)
	require.NoError(t, err)
	require.Len(t, machine.Instances, 1)
	assert.Equal(t, "sql-injection", machine.Instances[0].ModuleID)
	assert.Equal(t, 100, machine.TotalPoints)
}

func TestCreateMachine_AllModulesUnknown(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog())

	body := `{"name":"empty","domain":"web","modules":["ghost"]}`
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), body)
	require.NoError(t, srv.CreateMachine(ctx))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMachine_RepeatedModuleGetsDistinctInstances(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection", "sql-injection")

	require.Len(t, machine.Instances, 2)
	assert.NotEqual(t, machine.Instances[0].InstanceID, machine.Instances[1].InstanceID)
	assert.NotEqual(t, machine.Instances[0].Flag, machine.Instances[1].Flag)
	assert.Equal(t, 200, machine.TotalPoints)
	ordinals := []int{machine.Instances[0].Ordinal, machine.Instances[1].Ordinal}
	assert.ElementsMatch(t, []int{1, 2}, ordinals)
}

func TestCreateMachine_InstanceIdentity(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	require.Len(t, machine.Instances, 1)
	inst := machine.Instances[0]
	assert.True(t, strings.HasPrefix(inst.InstanceID, machine.ID+"-"), "instance id must embed machine id")
	assert.Regexp(t, `^FLAG\{SQL_INJECTION_[0-9A-F]{24}\}$`, inst.Flag)
	assert.Equal(t, "/login", inst.Route)
	assert.Equal(t, 100, inst.Points)
}

func TestCreateMachine_DeployerError(t *testing.T) {
	deployer := &mockDeployer{
		deployFn: func(_ context.Context, _ *config.Config, _ *models.Machine, _ *catalog.Module) (*deploy.Result, error) {
			return nil, fmt.Errorf("docker build exploded")
		},
	}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))

	body := `{"name":"doomed","domain":"web","modules":["sql-injection"]}`
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), body)
	require.NoError(t, srv.CreateMachine(ctx))
	assert.Equal(t, http.StatusCreated, rec.Code) // creation succeeds, deploy is async

	waitForBackground(t, srv)

	var resp api.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	machine, err := models.GetMachine(srv.db, resp.Machine.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusError, machine.Status)
	assert.Contains(t, machine.Error, "docker build exploded")
	assert.Nil(t, machine.Port)
	assert.Nil(t, machine.ContainerID)
}

func TestCreateMachine_DeployPanicSetsErrorStatus(t *testing.T) {
	deployer := &mockDeployer{
		deployFn: func(_ context.Context, _ *config.Config, _ *models.Machine, _ *catalog.Module) (*deploy.Result, error) {
			panic("nil map write in image tagging")
		},
	}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))

	body := `{"name":"crasher","domain":"web","modules":["sql-injection"]}`
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/machines/create", userClaims("user1"), body)
	require.NoError(t, srv.CreateMachine(ctx))
	assert.Equal(t, http.StatusCreated, rec.Code)

	waitForBackground(t, srv)

	// The machine must not be stranded in building; a panicked deploy is a
	// terminal failure like any other.
	var resp api.CreateMachineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	machine, err := models.GetMachine(srv.db, resp.Machine.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusError, machine.Status)
	assert.Contains(t, machine.Error, "deploy panic")
	assert.Nil(t, machine.ContainerID)
}

// ---------------------------------------------------------------------------
// GetMachine / ListMachines
// ---------------------------------------------------------------------------

func TestGetMachine_NotFound(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/machines/nope", userClaims("user1"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")
	require.NoError(t, srv.GetMachine(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMachine_OwnerIsolation(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	// Another user cannot see it
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/machines/"+machine.ID, userClaims("user2"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.GetMachine(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An admin can
	admin := &auth.Claims{UserID: "boss", Role: "admin"}
	ctx, rec = echoCtxWithClaimsAndBody(http.MethodGet, "/machines/"+machine.ID, admin, "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.GetMachine(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMachine_FlagsNeverSerialized(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/machines/"+machine.ID, userClaims("user1"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.GetMachine(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "FLAG{")
	assert.NotContains(t, rec.Body.String(), machine.Instances[0].Flag)
}

func TestListMachines_OwnerScoped(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	createRunningMachine(t, srv, "user1", "sql-injection")
	createRunningMachine(t, srv, "user2", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/machines", userClaims("user1"), "")
	require.NoError(t, srv.ListMachines(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.MachineListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Machines, 1)
	assert.Equal(t, "user1", resp.Machines[0].OwnerID)
}

// ---------------------------------------------------------------------------
// DeleteMachine
// ---------------------------------------------------------------------------

func TestDeleteMachine(t *testing.T) {
	deployer := &mockDeployer{}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/machines/"+machine.ID, userClaims("user1"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.DeleteMachine(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{machine.ID}, deployer.terminateCalls)
	_, err := models.GetMachine(srv.db, machine.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteMachine_TeardownFailureStillDeletesRecord(t *testing.T) {
	deployer := &mockDeployer{
		terminateFn: func(_ context.Context, _ *config.Config, _ *models.Machine) error {
			return fmt.Errorf("docker daemon unreachable")
		},
	}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	// Teardown is best-effort: a dead engine must not keep the record alive.
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/machines/"+machine.ID, userClaims("user1"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.DeleteMachine(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{machine.ID}, deployer.terminateCalls)
	_, err := models.GetMachine(srv.db, machine.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteMachine_SolveRecordsSurvive(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")
	inst := machine.Instances[0]

	result, err := models.VerifyFlag(srv.db, "solver", machine.ID, inst.InstanceID, inst.Flag)
	require.NoError(t, err)
	require.True(t, result.Correct)

	ctx, _ := echoCtxWithClaimsAndBody(http.MethodDelete, "/machines/"+machine.ID, userClaims("user1"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.DeleteMachine(ctx))

	score, err := models.GetUserScore(srv.db, "solver")
	require.NoError(t, err)
	assert.Equal(t, 100, score.Total)
}

func TestDeleteMachine_WrongOwner(t *testing.T) {
	deployer := &mockDeployer{}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/machines/"+machine.ID, userClaims("intruder"), "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.DeleteMachine(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, deployer.terminateCalls)
}

// ---------------------------------------------------------------------------
// UpdateMachineStatus
// ---------------------------------------------------------------------------

func TestUpdateMachineStatus_StopAndResume(t *testing.T) {
	deployer := &mockDeployer{}
	srv := newTestServerWithMock(t, deployer, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPatch, "/machines/"+machine.ID+"/status", userClaims("user1"), `{"status":"stopped"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.UpdateMachineStatus(ctx))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{machine.ID}, deployer.stopCalls)

	stored, err := models.GetMachine(srv.db, machine.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusStopped, stored.Status)

	ctx, rec = echoCtxWithClaimsAndBody(http.MethodPatch, "/machines/"+machine.ID+"/status", userClaims("user1"), `{"status":"running"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.UpdateMachineStatus(ctx))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{machine.ID}, deployer.resumeCalls)

	stored, err = models.GetMachine(srv.db, machine.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MachineStatusRunning, stored.Status)
}

func TestUpdateMachineStatus_InvalidStatus(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPatch, "/machines/"+machine.ID+"/status", userClaims("user1"), `{"status":"exploded"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.UpdateMachineStatus(ctx))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateMachineStatus_InvalidTransition(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	// running -> building is not a user transition
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPatch, "/machines/"+machine.ID+"/status", userClaims("user1"), `{"status":"building"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues(machine.ID)
	require.NoError(t, srv.UpdateMachineStatus(ctx))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// VerifyFlag
// ---------------------------------------------------------------------------

func verifyBody(machineID, instanceID, flag string) string {
	b, _ := json.Marshal(api.VerifyFlagRequest{
		MachineID:               machineID,
		VulnerabilityInstanceID: instanceID,
		Flag:                    flag,
	})
	return string(b)
}

func TestVerifyFlag_Correct(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule(), xssModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection", "stored-xss")
	inst := machine.Instances[0]

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, inst.InstanceID, inst.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.VerifyFlagResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Correct)
	assert.Equal(t, inst.Points, resp.Points)
	assert.Equal(t, inst.Points, resp.TotalPoints)
	assert.False(t, resp.MachineSolved, "one of two instances does not complete the machine")
}

func TestVerifyFlag_SurroundingWhitespaceAccepted(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")
	inst := machine.Instances[0]

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, inst.InstanceID, "  "+inst.Flag+"\n"))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.VerifyFlagResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Correct)
}

func TestVerifyFlag_Incorrect(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")
	inst := machine.Instances[0]

	// Case matters: a lowercased correct flag is still wrong
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, inst.InstanceID, strings.ToLower(inst.Flag)))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.VerifyFlagMismatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.False(t, resp.Correct)
	assert.Equal(t, "Incorrect flag", resp.Message)

	// No points granted
	score, err := models.GetUserScore(srv.db, "solver")
	require.NoError(t, err)
	assert.Equal(t, 0, score.Total)
}

func TestVerifyFlag_AtMostOnce(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")
	inst := machine.Instances[0]

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, inst.InstanceID, inst.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	// Second submission of the same flag scores nothing
	ctx, rec = echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, inst.InstanceID, inst.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AlreadySolvedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.AlreadySolved)

	score, err := models.GetUserScore(srv.db, "solver")
	require.NoError(t, err)
	assert.Equal(t, inst.Points, score.Total)
}

func TestVerifyFlag_WrongInstanceSameFlag(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule(), xssModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection", "stored-xss")

	// A valid flag submitted against the other instance must not count
	sqli, xss := machine.Instances[0], machine.Instances[1]
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, xss.InstanceID, sqli.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.VerifyFlagMismatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Correct)
}

func TestVerifyFlag_MachineCompletion(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule(), xssModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection", "stored-xss")

	first, second := machine.Instances[0], machine.Instances[1]

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, first.InstanceID, first.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	var resp api.VerifyFlagResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.MachineSolved)

	ctx, rec = echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, second.InstanceID, second.Flag))
	require.NoError(t, srv.VerifyFlag(ctx))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.MachineSolved, "last instance solve completes the machine")
	assert.Equal(t, first.Points+second.Points, resp.TotalPoints)
}

func TestVerifyFlag_UnknownMachineOrInstance(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody("no-such-machine", machine.Instances[0].InstanceID, "FLAG{X}"))
	require.NoError(t, srv.VerifyFlag(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctx, rec = echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
		verifyBody(machine.ID, "no-such-instance", "FLAG{X}"))
	require.NoError(t, srv.VerifyFlag(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyFlag_MissingFields(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"), `{"machineId":"m"}`)
	require.NoError(t, srv.VerifyFlag(ctx))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestVerifyFlag_ConcurrentSubmissionsScoreOnce(t *testing.T) {
	srv := newTestServerWithMock(t, &mockDeployer{}, newMockCatalog(sqliModule()))
	machine := createRunningMachine(t, srv, "user1", "sql-injection")
	inst := machine.Instances[0]

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, _ := echoCtxWithClaimsAndBody(http.MethodPost, "/flags/verify", userClaims("solver"),
				verifyBody(machine.ID, inst.InstanceID, inst.Flag))
			_ = srv.VerifyFlag(ctx)
		}()
	}
	wg.Wait()

	score, err := models.GetUserScore(srv.db, "solver")
	require.NoError(t, err)
	assert.Equal(t, inst.Points, score.Total, "concurrent duplicate submissions must score once")
}
