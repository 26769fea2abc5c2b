package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/internal/config"
	"github.com/assinado/assinado-backend/internal/notifications"
	"github.com/assinado/assinado-backend/pkg/clock"
	"github.com/assinado/assinado-backend/pkg/metrics"
	"github.com/assinado/assinado-backend/pkg/random"
	"github.com/assinado/assinado-backend/pkg/storage"
)

const testGenesisPrefix = "genesis_block_"

// fakeRepo is an in-memory Repository whose audit appends use the real
// hashing rules, so chains written through it verify like database rows.
type fakeRepo struct {
	mu     sync.Mutex
	clock  clock.Clock
	docs   map[uuid.UUID]*Document
	signs  map[uuid.UUID]*Signer
	tokens map[string]*ShareToken
	certs  map[uuid.UUID]*Certificate
	otps   map[uuid.UUID]*OtpCode
	owners map[uuid.UUID]string
	chains map[string][]audit.AuditLog

	failCreateDocument bool
}

func newFakeRepo(clk clock.Clock) *fakeRepo {
	return &fakeRepo{
		clock:  clk,
		docs:   map[uuid.UUID]*Document{},
		signs:  map[uuid.UUID]*Signer{},
		tokens: map[string]*ShareToken{},
		certs:  map[uuid.UUID]*Certificate{},
		otps:   map[uuid.UUID]*OtpCode{},
		owners: map[uuid.UUID]string{},
		chains: map[string][]audit.AuditLog{},
	}
}

func (f *fakeRepo) Tx(ctx context.Context, fn func(Repository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

func (f *fakeRepo) AppendAudit(ctx context.Context, e audit.Entry) (*audit.AuditLog, error) {
	prevHash := audit.GenesisHash(testGenesisPrefix, e.EntityID)
	chain := f.chains[e.EntityID]
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].EventHash
	}

	now := f.clock.Now()
	eventHash, err := audit.ComputeEventHash(prevHash, audit.RecordForEntry(e), clock.FormatISO(now))
	if err != nil {
		return nil, err
	}
	payloadJSON := "{}"
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		payloadJSON = string(data)
	}
	row := audit.AuditLog{
		ID:            uuid.New(),
		TenantID:      e.TenantID,
		ActorKind:     e.ActorKind,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		IP:            e.IP,
		UserAgent:     e.UserAgent,
		PayloadJSON:   payloadJSON,
		CreatedAt:     now,
		PrevEventHash: prevHash,
		EventHash:     eventHash,
	}
	if e.ActorID != nil {
		row.ActorID.String = *e.ActorID
		row.ActorID.Valid = true
	}
	f.chains[e.EntityID] = append(chain, row)
	return &row, nil
}

func (f *fakeRepo) ListChain(ctx context.Context, entityID string) ([]audit.AuditLog, error) {
	return f.chains[entityID], nil
}

func (f *fakeRepo) ListForEntities(ctx context.Context, entityIDs []string) ([]audit.AuditLog, error) {
	var out []audit.AuditLog
	for _, id := range entityIDs {
		out = append(out, f.chains[id]...)
	}
	return out, nil
}

func (f *fakeRepo) actions(entityID string) []string {
	var out []string
	for _, row := range f.chains[entityID] {
		out = append(out, row.Action)
	}
	return out
}

func (f *fakeRepo) CreateDocument(ctx context.Context, doc *Document) error {
	if f.failCreateDocument {
		return assert.AnError
	}
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeRepo) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeRepo) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return f.GetDocument(ctx, id)
}

func (f *fakeRepo) GetDocumentBySHA256(ctx context.Context, hash string) (*Document, error) {
	for _, doc := range f.docs {
		if doc.SHA256 == hash {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeRepo) ListDocumentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Document, error) {
	var out []Document
	for _, doc := range f.docs {
		if doc.TenantID == tenantID {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	f.docs[id].Status = status
	return nil
}

func (f *fakeRepo) UpdateDocumentFinalized(ctx context.Context, id uuid.UUID, storageKey, hash, certificateKey string) error {
	doc := f.docs[id]
	doc.Status = StatusSigned
	doc.StorageKey = storageKey
	doc.SHA256 = hash
	doc.CertificateKey.String = certificateKey
	doc.CertificateKey.Valid = true
	return nil
}

func (f *fakeRepo) ListDocumentsWithDeadlineBetween(ctx context.Context, from, to time.Time) ([]Document, error) {
	return nil, nil
}

func (f *fakeRepo) ListDocumentsPastDeadline(ctx context.Context, now time.Time) ([]Document, error) {
	return nil, nil
}

func (f *fakeRepo) CreateSigner(ctx context.Context, signer *Signer) error {
	copied := *signer
	f.signs[signer.ID] = &copied
	return nil
}

func (f *fakeRepo) GetSigner(ctx context.Context, id uuid.UUID) (*Signer, error) {
	signer, ok := f.signs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	copied := *signer
	return &copied, nil
}

func (f *fakeRepo) ListSigners(ctx context.Context, documentID uuid.UUID) ([]Signer, error) {
	var out []Signer
	for _, signer := range f.signs {
		if signer.DocumentID == documentID {
			out = append(out, *signer)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListSignersForUpdate(ctx context.Context, documentID uuid.UUID) ([]Signer, error) {
	return f.ListSigners(ctx, documentID)
}

func (f *fakeRepo) UpdateSignerContact(ctx context.Context, id uuid.UUID, cpf, phone *string) error {
	signer := f.signs[id]
	if cpf != nil {
		signer.CPF.String, signer.CPF.Valid = *cpf, true
	}
	if phone != nil {
		signer.Phone.String, signer.Phone.Valid = *phone, true
	}
	return nil
}

func (f *fakeRepo) UpdateSignerPosition(ctx context.Context, id uuid.UUID, page int, x, y float64) error {
	signer := f.signs[id]
	signer.SignaturePositionPage.Int32, signer.SignaturePositionPage.Valid = int32(page), true
	signer.SignaturePositionX.Float64, signer.SignaturePositionX.Valid = x, true
	signer.SignaturePositionY.Float64, signer.SignaturePositionY.Valid = y, true
	return nil
}

func (f *fakeRepo) UpdateSignerStatus(ctx context.Context, id uuid.UUID, status SignerStatus) error {
	f.signs[id].Status = status
	return nil
}

func (f *fakeRepo) UpdateSignerSigned(ctx context.Context, signer *Signer) error {
	copied := *signer
	f.signs[signer.ID] = &copied
	return nil
}

func (f *fakeRepo) CreateShareToken(ctx context.Context, token *ShareToken) error {
	copied := *token
	f.tokens[token.TokenHash] = &copied
	return nil
}

func (f *fakeRepo) GetShareTokenByHash(ctx context.Context, tokenHash string) (*ShareToken, error) {
	token, ok := f.tokens[tokenHash]
	if !ok {
		return nil, apperr.ErrInvalidToken
	}
	copied := *token
	return &copied, nil
}

func (f *fakeRepo) CreateCertificate(ctx context.Context, cert *Certificate) error {
	copied := *cert
	f.certs[cert.DocumentID] = &copied
	return nil
}

func (f *fakeRepo) GetCertificate(ctx context.Context, documentID uuid.UUID) (*Certificate, error) {
	cert, ok := f.certs[documentID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	copied := *cert
	return &copied, nil
}

func (f *fakeRepo) CreateOTP(ctx context.Context, code *OtpCode) error {
	copied := *code
	f.otps[code.ID] = &copied
	return nil
}

func (f *fakeRepo) LatestOTP(ctx context.Context, recipients []string, otpContext string) (*OtpCode, error) {
	var latest *OtpCode
	for _, code := range f.otps {
		if code.Context != otpContext {
			continue
		}
		for _, recipient := range recipients {
			if code.Recipient == recipient {
				if latest == nil || code.CreatedAt.After(latest.CreatedAt) {
					latest = code
				}
			}
		}
	}
	if latest == nil {
		return nil, apperr.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeRepo) DeleteOTP(ctx context.Context, id uuid.UUID) error {
	delete(f.otps, id)
	return nil
}

func (f *fakeRepo) GetOwnerName(ctx context.Context, userID uuid.UUID) (string, error) {
	name, ok := f.owners[userID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return name, nil
}

// fakeNotifier captures outbound deliveries, including cleartext invite
// tokens, so tests can assert on them.
type fakeNotifier struct {
	mu        sync.Mutex
	inviteURLs []string
	otps      []string
	completed []string
}

func (f *fakeNotifier) SendInvite(ctx context.Context, to notifications.Recipient, title, signURL, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inviteURLs = append(f.inviteURLs, signURL)
	return nil
}

func (f *fakeNotifier) SendOTP(ctx context.Context, channel, recipient, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.otps = append(f.otps, code)
	return nil
}

func (f *fakeNotifier) SendCompleted(ctx context.Context, to notifications.Recipient, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, to.Email)
	return nil
}

func (f *fakeNotifier) SendReminder(ctx context.Context, to notifications.Recipient, title string, daysLeft int) error {
	return nil
}

type serviceFixture struct {
	repo     *fakeRepo
	notifier *fakeNotifier
	blobs    storage.Store
	blobRoot string
	service  *Service
	clock    clock.Fixed
	tenantID uuid.UUID
	ownerID  uuid.UUID
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	clk := clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	repo := newFakeRepo(clk)
	notifier := &fakeNotifier{}
	blobRoot := t.TempDir()
	blobs, err := storage.NewLocalStore(blobRoot)
	require.NoError(t, err)

	cfg := config.SigningConfig{
		OTPTTLMinutes:      10,
		InviteTTLDays:      30,
		ShortCodeLength:    6,
		BcryptCost:         4,
		ChainGenesisPrefix: testGenesisPrefix,
	}
	logger := zap.NewNop()
	fixture := &serviceFixture{
		repo:     repo,
		notifier: notifier,
		blobs:    blobs,
		blobRoot: blobRoot,
		clock:    clk,
		tenantID: uuid.New(),
		ownerID:  uuid.New(),
	}
	fixture.service = NewService(
		repo, blobs, NewFinalizer(blobs, logger), repo,
		audit.NewVerifier(repo, testGenesisPrefix), notifier,
		clk, random.Static{TokenValue: "static-token", Code: "123456"},
		cfg, logger, metrics.NewCollector(),
	)
	repo.owners[fixture.ownerID] = "Maria Souza"
	return fixture
}

func (fx *serviceFixture) actor() Actor {
	return UserActor(fx.ownerID, fx.tenantID, "10.0.0.1", "go-test")
}

func (fx *serviceFixture) upload(t *testing.T, content string) *Document {
	t.Helper()
	doc, err := fx.service.CreateWithUpload(context.Background(), fx.actor(), UploadRequest{
		TenantID: fx.tenantID,
		OwnerID:  fx.ownerID,
		Title:    "Contrato de Teste",
		FileName: "contrato.pdf",
		MimeType: "application/pdf",
		Size:     int64(len(content)),
		Content:  bytes.NewReader([]byte(content)),
	})
	require.NoError(t, err)
	return doc
}

func TestCreateWithUploadStoresBlobAndAudits(t *testing.T) {
	fx := newServiceFixture(t)
	content := "%PDF-1.4 fake body"

	doc := fx.upload(t, content)

	assert.Equal(t, StatusReady, doc.Status)
	assert.Equal(t, audit.SHA256Hex([]byte(content)), doc.SHA256)
	assert.Equal(t, fx.tenantID.String()+"/"+doc.ID.String()+".pdf", doc.StorageKey)

	reader, err := fx.blobs.Read(context.Background(), doc.StorageKey)
	require.NoError(t, err)
	reader.Close()

	require.Equal(t, []string{audit.ActionStorageUploaded}, fx.repo.actions(doc.ID.String()))
	result := audit.VerifyEntries(testGenesisPrefix, doc.ID.String(), fx.repo.chains[doc.ID.String()])
	assert.True(t, result.Valid)
}

func TestCreateWithUploadRemovesBlobOnRowFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.repo.failCreateDocument = true

	_, err := fx.service.CreateWithUpload(context.Background(), fx.actor(), UploadRequest{
		TenantID: fx.tenantID,
		OwnerID:  fx.ownerID,
		FileName: "contrato.pdf",
		Content:  bytes.NewReader([]byte("data")),
	})
	require.Error(t, err)

	// No document row, and nothing left behind under the tenant prefix.
	docs, err := fx.repo.ListDocumentsByTenant(context.Background(), fx.tenantID)
	require.NoError(t, err)
	assert.Empty(t, docs)
	for _, dir := range []string{fx.tenantID.String(), "tmp"} {
		entries, err := os.ReadDir(filepath.Join(fx.blobRoot, dir))
		require.NoError(t, err)
		assert.Empty(t, entries, "blobs left under %s", dir)
	}
}

func TestInviteSignersMintsHashedTokens(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")

	signers, err := fx.service.InviteSigners(context.Background(), fx.actor(), doc.ID, []SignerInvite{
		{Name: "Ana", Email: "ana@example.com", AuthChannels: []string{"EMAIL"}},
	}, "por favor assine")
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, SignerPending, signers[0].Status)

	// The notifier received the cleartext exactly once and only its hash
	// was persisted.
	require.Len(t, fx.notifier.inviteURLs, 1)
	assert.Equal(t, "/sign/static-token", fx.notifier.inviteURLs[0])
	stored, err := fx.repo.GetShareTokenByHash(context.Background(), audit.SHA256Hex([]byte("static-token")))
	require.NoError(t, err)
	assert.Equal(t, signers[0].ID, stored.SignerID)

	assert.Equal(t, []string{audit.ActionInvited}, fx.repo.actions(signers[0].ID.String()))
}

func TestInviteSignersRequiresAuthChannel(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")

	_, err := fx.service.InviteSigners(context.Background(), fx.actor(), doc.ID, []SignerInvite{
		{Name: "Ana", Email: "ana@example.com"},
	}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCancelIsTerminal(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")
	ctx := context.Background()

	require.NoError(t, fx.service.Cancel(ctx, fx.actor(), doc.ID))

	stored, err := fx.repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Contains(t, fx.repo.actions(doc.ID.String()), audit.ActionStatusChanged)

	err = fx.service.Cancel(ctx, fx.actor(), doc.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
	err = fx.service.Expire(ctx, fx.actor(), doc.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
}

func TestCrossTenantAccessReadsAsNotFound(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")

	stranger := UserActor(uuid.New(), uuid.New(), "10.0.0.2", "go-test")
	_, err := fx.service.GetDocument(context.Background(), stranger, doc.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestValidateMatchesStoredHash(t *testing.T) {
	fx := newServiceFixture(t)
	content := []byte("%PDF-1.4 final artefact")
	doc := fx.upload(t, string(content))

	signerID := uuid.New()
	require.NoError(t, fx.repo.CreateSigner(context.Background(), &Signer{
		ID: signerID, DocumentID: doc.ID, Name: "Ana", Email: "ana@example.com",
		AuthChannels: []string{"EMAIL"}, Status: SignerSigned,
	}))

	result, err := fx.service.Validate(context.Background(), content)
	require.NoError(t, err)
	require.True(t, result.Valid)
	assert.Equal(t, "Contrato de Teste", result.Document.Title)
	assert.Equal(t, "Maria Souza", result.Document.OwnerName)
	require.Len(t, result.Document.Signers, 1)
	assert.Equal(t, SignerSigned, result.Document.Signers[0].Status)

	// A single flipped byte stops matching.
	tampered := append([]byte{}, content...)
	tampered[0] ^= 0x01
	result, err = fx.service.Validate(context.Background(), tampered)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Nil(t, result.Document)
}

func TestFinalizeIsNoOpWhenAlreadySigned(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")
	fx.repo.docs[doc.ID].Status = StatusSigned
	before := len(fx.repo.chains[doc.ID.String()])

	require.NoError(t, fx.service.Finalize(context.Background(), fx.actor(), doc.ID))
	assert.Len(t, fx.repo.chains[doc.ID.String()], before)
}

func TestVerifyChainsAfterOperations(t *testing.T) {
	fx := newServiceFixture(t)
	doc := fx.upload(t, "pdf-bytes")
	_, err := fx.service.InviteSigners(context.Background(), fx.actor(), doc.ID, []SignerInvite{
		{Name: "Ana", Email: "ana@example.com", AuthChannels: []string{"EMAIL"}},
	}, "")
	require.NoError(t, err)

	result, err := fx.service.VerifyChains(context.Background(), fx.actor(), doc.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Count)
}
