package documents

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/pkg/storage"
)

// Stamp geometry. Pages are 1-indexed, the coordinate origin is the
// bottom-left corner of the page, units are PDF points.
const (
	stampWidth   = 180.0
	stackStartY  = 30.0
	stackSpacing = 75.0
)

type StampResult struct {
	StorageKey string
	SHA256     string
}

// Finalizer embeds the recorded signature images into the original PDF
// and produces the completion-certificate artefact.
type Finalizer struct {
	blobs  storage.Store
	logger *zap.Logger
}

func NewFinalizer(blobs storage.Store, logger *zap.Logger) *Finalizer {
	return &Finalizer{blobs: blobs, logger: logger.With(zap.String("service", "finalizer"))}
}

// SignedKey derives the finalized blob key: "-signed" inserted before the
// extension.
func SignedKey(storageKey string) string {
	if dot := strings.LastIndexByte(storageKey, '.'); dot > strings.LastIndexByte(storageKey, '/') {
		return storageKey[:dot] + "-signed" + storageKey[dot:]
	}
	return storageKey + "-signed"
}

// Stamp reads the original PDF, applies one visual stamp per signed
// signer and publishes the result under the -signed key. A signer whose
// artefact is missing or unreadable is logged and skipped; the remaining
// stamps still go on.
func (f *Finalizer) Stamp(ctx context.Context, doc *Document, signers []Signer) (*StampResult, error) {
	original, err := f.readBlob(ctx, doc.StorageKey)
	if err != nil {
		return nil, err
	}
	if got := audit.SHA256Hex(original); got != doc.SHA256 {
		f.logger.Error("stored blob does not match document hash",
			zap.String("document_id", doc.ID.String()),
			zap.String("expected", doc.SHA256),
			zap.String("actual", got))
		return nil, fmt.Errorf("%w: blob hash mismatch for document %s", apperr.ErrIntegrity, doc.ID)
	}

	stamped, err := f.applyStamps(ctx, doc, original, signers)
	if err != nil {
		return nil, err
	}

	signedKey := SignedKey(doc.StorageKey)
	if err := f.blobs.Write(ctx, signedKey, bytes.NewReader(stamped)); err != nil {
		return nil, err
	}

	return &StampResult{StorageKey: signedKey, SHA256: audit.SHA256Hex(stamped)}, nil
}

func (f *Finalizer) applyStamps(ctx context.Context, doc *Document, original []byte, signers []Signer) ([]byte, error) {
	conf := model.NewDefaultConfiguration()

	pageCount, err := api.PageCount(bytes.NewReader(original), conf)
	if err != nil {
		return nil, fmt.Errorf("read page count: %w", err)
	}

	watermarks := map[int][]*model.Watermark{}
	stacked := 0
	for i := range signers {
		signer := &signers[i]
		if signer.Status != SignerSigned || !signer.SignatureArtefactPath.Valid {
			continue
		}

		imagePath, width, err := f.stageArtefact(ctx, signer.SignatureArtefactPath.String)
		if err != nil {
			f.logger.Warn("skipping unreadable signature artefact",
				zap.String("signer_id", signer.ID.String()),
				zap.Error(err))
			continue
		}
		defer os.Remove(imagePath)

		scale := stampWidth / width
		page := pageCount
		var desc string
		if signer.SignaturePositionPage.Valid && signer.SignaturePositionX.Valid && signer.SignaturePositionY.Valid {
			page = int(signer.SignaturePositionPage.Int32)
			if page < 1 || page > pageCount {
				page = pageCount
			}
			desc = fmt.Sprintf("pos:bl, off:%.2f %.2f, scale:%.4f abs, rot:0",
				signer.SignaturePositionX.Float64, signer.SignaturePositionY.Float64, scale)
		} else {
			desc = fmt.Sprintf("pos:b, off:0 %.2f, scale:%.4f abs, rot:0",
				stackStartY+float64(stacked)*stackSpacing, scale)
			stacked++
		}

		wm, err := api.ImageWatermark(imagePath, desc, true, false, types.POINTS)
		if err != nil {
			f.logger.Warn("skipping invalid stamp",
				zap.String("signer_id", signer.ID.String()),
				zap.Error(err))
			continue
		}
		watermarks[page] = append(watermarks[page], wm)
	}

	if len(watermarks) == 0 {
		return original, nil
	}

	var out bytes.Buffer
	if err := api.AddWatermarksSliceMap(bytes.NewReader(original), &out, watermarks, conf); err != nil {
		return nil, fmt.Errorf("apply stamps: %w", err)
	}
	return out.Bytes(), nil
}

// stageArtefact copies a signature PNG out of the blob store into a temp
// file for the stamping engine and returns its point width.
func (f *Finalizer) stageArtefact(ctx context.Context, key string) (string, float64, error) {
	data, err := f.readBlob(ctx, key)
	if err != nil {
		return "", 0, err
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, fmt.Errorf("decode artefact %s: %w", key, err)
	}

	tmp, err := os.CreateTemp("", "stamp-*.png")
	if err != nil {
		return "", 0, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), float64(cfg.Width), nil
}

func (f *Finalizer) readBlob(ctx context.Context, key string) ([]byte, error) {
	reader, err := f.blobs.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// WriteCertificatePDF renders and stores the human-readable completion
// certificate next to the finalized file. Not part of the evidentiary
// chain; the Certificate row is.
func (f *Finalizer) WriteCertificatePDF(ctx context.Context, doc *Document, signers []Signer, finalHash string, issuedAt time.Time) (string, error) {
	data, err := renderCertificate(doc, signers, finalHash, issuedAt)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%s-certificate.pdf", doc.TenantID, doc.ID)
	if err := f.blobs.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return key, nil
}
