package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/dbx"
	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/render"
	"github.com/atlasvpn/atlas/internal/server/models"
	"github.com/atlasvpn/atlas/internal/server/repositories/repomanager"
	"github.com/atlasvpn/atlas/internal/server/repositories/users"
)

// fakeIssuer records issuance and revocation and can be told to fail.
type fakeIssuer struct {
	mu        sync.Mutex
	seq       int
	issued    []string
	revoked   []string
	issueErr  map[models.Protocol]error
	revokeErr map[string]error
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{
		issueErr:  make(map[models.Protocol]error),
		revokeErr: make(map[string]error),
	}
}

func (f *fakeIssuer) Issue(ctx context.Context, protocol models.Protocol, identity string) (models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.issueErr[protocol]; err != nil {
		return nil, err
	}
	f.seq++
	handle := fmt.Sprintf("%s-%s-%d", identity, protocol, f.seq)
	f.issued = append(f.issued, handle)
	switch protocol {
	case models.ProtocolOpenVPN:
		return models.CertificateCredential{
			CommonName: handle, CACert: "ca", Cert: "cert", Key: "key",
		}, nil
	case models.ProtocolWireGuard:
		return models.KeypairCredential{PublicKey: handle, PrivateKey: "priv-" + handle}, nil
	default:
		return models.IdentifierCredential{ID: handle}, nil
	}
}

func (f *fakeIssuer) Revoke(ctx context.Context, protocol models.Protocol, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.revokeErr[handle]; err != nil {
		return err
	}
	f.revoked = append(f.revoked, handle)
	return nil
}

func (f *fakeIssuer) Load(ctx context.Context, protocol models.Protocol, handle string) (models.Credential, error) {
	switch protocol {
	case models.ProtocolOpenVPN:
		return models.CertificateCredential{
			CommonName: handle, CACert: "ca", Cert: "cert", Key: "key",
		}, nil
	case models.ProtocolWireGuard:
		return models.KeypairCredential{PublicKey: handle}, nil
	default:
		return models.IdentifierCredential{ID: handle}, nil
	}
}

func (f *fakeIssuer) Simulated() bool { return true }

func (f *fakeIssuer) revokedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type serviceFixture struct {
	svc    *UserService
	issuer *fakeIssuer
	repos  *repomanager.MemoryRepositoryManager
	db     *sql.DB
	mock   sqlmock.Sqlmock
}

func newUserServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	issuer := newFakeIssuer()
	repos := repomanager.NewMemoryRepositoryManager()
	renderer := render.New(render.ServerParams{
		Host: "vpn.example.com", Port: 1194, Transport: "udp",
		PublicKey: "srv-pub", DNS: "1.1.1.1", AllowedIPs: "0.0.0.0/0",
	})
	svc := NewUserService(db, repos, issuer, renderer, logging.NewNop())
	return &serviceFixture{svc: svc, issuer: issuer, repos: repos, db: db, mock: mock}
}

func TestCreateUserProvisionsAllProtocols(t *testing.T) {
	f := newUserServiceFixture(t)

	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	assert.Regexp(t, `^user_[a-z0-9]{4}$`, created.User.Username)
	assert.Len(t, created.Password, generatedPasswordLength)
	require.Len(t, created.Configs, 3)

	byProtocol := map[models.Protocol]RenderedConfig{}
	for _, c := range created.Configs {
		byProtocol[c.Protocol] = c
	}
	assert.Equal(t, created.User.Username+".ovpn", byProtocol[models.ProtocolOpenVPN].FileName)
	assert.Contains(t, byProtocol[models.ProtocolWireGuard].Content, "PrivateKey = priv-")
	assert.Contains(t, byProtocol[models.ProtocolOpenVPN].Content, "auth-user-pass")

	active, err := f.repos.Configs(nil).ListActiveByUser(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestCreateUserSelectedProtocols(t *testing.T) {
	f := newUserServiceFixture(t)

	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{
		Username:  "alice-01",
		Password:  "correct-horse",
		Protocols: []models.Protocol{models.ProtocolWireGuard},
	})
	require.NoError(t, err)

	assert.Equal(t, "alice-01", created.User.Username)
	assert.Equal(t, "correct-horse", created.Password)
	require.Len(t, created.Configs, 1)
	assert.Equal(t, models.ProtocolWireGuard, created.Configs[0].Protocol)
}

func TestCreateUserValidation(t *testing.T) {
	f := newUserServiceFixture(t)
	negative := int64(-1)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  CreateUserRequest
	}{
		{name: "bad username", req: CreateUserRequest{Username: "user name"}},
		{name: "short password", req: CreateUserRequest{Password: "short"}},
		{name: "negative cap", req: CreateUserRequest{DataLimitBytes: &negative}},
		{name: "past expiry", req: CreateUserRequest{ExpiresAt: &past}},
		{name: "unknown protocol", req: CreateUserRequest{Protocols: []models.Protocol{"pptp"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateUser(context.Background(), tt.req)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	f := newUserServiceFixture(t)

	_, err := f.svc.CreateUser(context.Background(), CreateUserRequest{Username: "alice-01"})
	require.NoError(t, err)

	_, err = f.svc.CreateUser(context.Background(), CreateUserRequest{Username: "alice-01"})
	assert.ErrorIs(t, err, common.ErrAlreadyExists)
}

func TestCreateUserRollsBackOnIssuanceFailure(t *testing.T) {
	f := newUserServiceFixture(t)
	f.issuer.issueErr[models.ProtocolWireGuard] = common.ErrProvisioning
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	_, err := f.svc.CreateUser(context.Background(), CreateUserRequest{Username: "alice-01"})
	require.ErrorIs(t, err, common.ErrProvisioning)

	// The certificate issued before the failure is revoked again.
	require.Len(t, f.issuer.revokedHandles(), 1)
	assert.Contains(t, f.issuer.revokedHandles()[0], "openvpn")

	// No partially provisioned user is left behind.
	_, err = f.repos.Users(nil).GetByUsername(context.Background(), "alice-01")
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateUserDisableCascades(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	disabled := false
	user, err := f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{Enabled: &disabled})
	require.NoError(t, err)

	assert.False(t, user.Enabled)
	assert.Equal(t, disabledByAdminReason, user.DisabledReason)
	require.NotNil(t, user.DisabledAt)

	active, err := f.repos.Configs(nil).ListActiveByUser(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Len(t, f.issuer.revokedHandles(), 3)

	all, err := f.repos.Configs(nil).ListByUser(context.Background(), created.User.ID)
	require.NoError(t, err)
	for _, cfg := range all {
		assert.Equal(t, disabledByAdminReason, cfg.RevokedReason)
	}
}

func TestUpdateUserReEnableClearsFlags(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	disabled := false
	_, err = f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{Enabled: &disabled})
	require.NoError(t, err)

	enabled := true
	user, err := f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{Enabled: &enabled})
	require.NoError(t, err)

	assert.True(t, user.Enabled)
	assert.Empty(t, user.DisabledReason)
	assert.Nil(t, user.DisabledAt)
}

func TestUpdateUserRaisingCapClearsViolation(t *testing.T) {
	f := newUserServiceFixture(t)
	limit := int64(100)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{DataLimitBytes: &limit})
	require.NoError(t, err)

	require.NoError(t, f.repos.Users(nil).AddUsage(context.Background(), created.User.ID, 80, 40))
	_, err = f.repos.Users(nil).Disable(context.Background(), created.User.ID,
		false, true, models.ReasonLimitExceeded, time.Now())
	require.NoError(t, err)

	raised := int64(1000)
	user, err := f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{DataLimitBytes: &raised})
	require.NoError(t, err)

	assert.False(t, user.LimitExceeded)
	assert.True(t, user.Enabled)
}

// racingRepositoryManager injects a side effect before the first
// UpdatePolicy call, after the service has taken its snapshot.
type racingRepositoryManager struct {
	repomanager.RepositoryManager
	once sync.Once
	race func()
}

func (m *racingRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return &racingUserRepository{Repository: m.RepositoryManager.Users(db), mgr: m}
}

type racingUserRepository struct {
	users.Repository
	mgr *racingRepositoryManager
}

func (r *racingUserRepository) UpdatePolicy(ctx context.Context, user *models.User) error {
	r.mgr.once.Do(r.mgr.race)
	return r.Repository.UpdatePolicy(ctx, user)
}

func TestUpdateUserSurvivesConcurrentDisable(t *testing.T) {
	f := newUserServiceFixture(t)
	expiry := time.Now().Add(time.Hour)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{ExpiresAt: &expiry})
	require.NoError(t, err)
	f.svc.now = func() time.Time { return expiry.Add(time.Minute) }

	// Enforcement disables the user between the operator's read and write.
	racing := &racingRepositoryManager{RepositoryManager: f.repos}
	racing.race = func() {
		applied, err := f.repos.Users(nil).Disable(context.Background(), created.User.ID,
			true, false, models.ReasonExpired, time.Now())
		require.NoError(t, err)
		require.True(t, applied)
	}
	f.svc.repomanager = racing

	notes := "renewal pending"
	user, err := f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{Notes: &notes})
	require.NoError(t, err)

	// The disable transition is preserved, the note still lands.
	assert.False(t, user.Enabled)
	assert.True(t, user.Expired)
	assert.Equal(t, models.ReasonExpired, user.DisabledReason)
	assert.Equal(t, notes, user.Notes)

	stored, err := f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.True(t, stored.Expired)
	assert.Equal(t, models.ReasonExpired, stored.DisabledReason)
	assert.Equal(t, notes, stored.Notes)
}

func TestUpdateUserExtendExpiry(t *testing.T) {
	f := newUserServiceFixture(t)
	expiry := time.Now().Add(24 * time.Hour)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{ExpiresAt: &expiry})
	require.NoError(t, err)

	extend := 48 * time.Hour
	user, err := f.svc.UpdateUser(context.Background(), created.User.ID, UpdateUserRequest{ExtendBy: &extend})
	require.NoError(t, err)

	require.NotNil(t, user.ExpiresAt)
	assert.WithinDuration(t, expiry.Add(extend), *user.ExpiresAt, time.Second)
}

func TestDeleteUserCascades(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.DeleteUser(context.Background(), created.User.ID))

	assert.Len(t, f.issuer.revokedHandles(), 3)
	_, err = f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	configs, err := f.repos.Configs(nil).ListByUser(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.Empty(t, configs)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteUserAbortsOnRevocationFailure(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	active, err := f.repos.Configs(nil).ListActiveByUser(context.Background(), created.User.ID)
	require.NoError(t, err)
	f.issuer.revokeErr[active[0].CredentialHandle()] = common.ErrRevocation

	err = f.svc.DeleteUser(context.Background(), created.User.ID)
	require.ErrorIs(t, err, common.ErrRevocation)

	// The user record survives so the failure stays visible.
	_, err = f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	assert.NoError(t, err)
}

func TestResetPassword(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	password, err := f.svc.ResetPassword(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.Len(t, password, generatedPasswordLength)
	assert.NotEqual(t, created.Password, password)

	user, err := f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)))
}

func TestChangePassword(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{Password: "initial-pass"})
	require.NoError(t, err)

	err = f.svc.ChangePassword(context.Background(), created.User.ID, "wrong-pass", "next-password")
	assert.ErrorIs(t, err, common.ErrValidation)

	err = f.svc.ChangePassword(context.Background(), created.User.ID, "initial-pass", "next-password")
	require.NoError(t, err)

	user, err := f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("next-password")))
}

func TestCheckLimits(t *testing.T) {
	f := newUserServiceFixture(t)
	limit := int64(10 * 1024 * 1024 * 1024)
	expiry := time.Now().Add(72 * time.Hour)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{
		DataLimitBytes: &limit,
		ExpiresAt:      &expiry,
	})
	require.NoError(t, err)

	require.NoError(t, f.repos.Users(nil).AddUsage(context.Background(), created.User.ID,
		6*1024*1024*1024, 5*1024*1024*1024))

	report, err := f.svc.CheckLimits(context.Background(), created.User.ID)
	require.NoError(t, err)

	assert.True(t, report.LimitExceeded)
	assert.False(t, report.Expired)
	assert.Equal(t, float64(100), report.UsagePercent)
	require.NotNil(t, report.DaysRemaining)
	assert.Equal(t, 3, *report.DaysRemaining)
}

func TestRecordUsageRejectsNegativeDeltas(t *testing.T) {
	f := newUserServiceFixture(t)
	created, err := f.svc.CreateUser(context.Background(), CreateUserRequest{})
	require.NoError(t, err)

	err = f.svc.RecordUsage(context.Background(), created.User.ID, -1, 0)
	assert.ErrorIs(t, err, common.ErrValidation)

	require.NoError(t, f.svc.RecordUsage(context.Background(), created.User.ID, 10, 20))
	user, err := f.repos.Users(nil).GetByID(context.Background(), created.User.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), user.TotalBytes())
}
