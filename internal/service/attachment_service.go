package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/storage"
)

const sniffLen = 3072

// UploadFile is one incoming file.
type UploadFile struct {
	Filename string
	Size     int64
	Content  io.Reader
}

type attachmentStorage interface {
	SaveStream(relPath string, r io.Reader, limit int64) (int64, error)
	Open(relPath string) (*os.File, error)
	Delete(relPath string) error
}

type downloadSigner interface {
	Generate(caseID, attachmentID string) (string, time.Time, error)
	Verify(token, caseID, attachmentID string) error
}

// AttachmentOptions bounds what can be uploaded and how links are built.
type AttachmentOptions struct {
	MaxFileSize  int64
	AllowedMIME  []string
	DownloadBase string
}

type attachmentSupport struct {
	store  attachmentStorage
	signer downloadSigner
	opts   AttachmentOptions
	logger *zap.Logger
}

// WithAttachments enables uploads and signed downloads.
func WithAttachments(store attachmentStorage, signer downloadSigner, opts AttachmentOptions) DisciplineServiceOption {
	return func(s *DisciplineService) {
		if opts.MaxFileSize <= 0 {
			opts.MaxFileSize = 10 << 20
		}
		s.files = &attachmentSupport{store: store, signer: signer, opts: opts, logger: s.logger}
	}
}

// link attaches a signed download URL to every attachment.
func (a *attachmentSupport) link(detail *dto.CaseDetail) {
	if a == nil || a.signer == nil {
		return
	}
	for i := range detail.Attachments {
		att := &detail.Attachments[i]
		token, _, err := a.signer.Generate(att.CaseID, att.ID)
		if err != nil {
			a.logger.Warn("sign attachment link failed", zap.String("attachment_id", att.ID), zap.Error(err))
			continue
		}
		att.DownloadURL = fmt.Sprintf("%s/cases/%s/attachments/%s/download?token=%s",
			strings.TrimRight(a.opts.DownloadBase, "/"), att.CaseID, att.ID, url.QueryEscape(token))
	}
}

func (a *attachmentSupport) allowed(mime string) bool {
	if len(a.opts.AllowedMIME) == 0 {
		return true
	}
	for _, candidate := range a.opts.AllowedMIME {
		if strings.EqualFold(candidate, mime) {
			return true
		}
	}
	return false
}

// AddAttachment uploads one file to the case.
func (s *DisciplineService) AddAttachment(ctx context.Context, actor discipline.Actor, caseID string, req dto.AttachmentRequest, file UploadFile) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "attachment", func(st *caseState) error {
		if err := s.policy.CheckAddAttachment(st.c, st.caps, req.Kind); err != nil {
			return err
		}
		_, err := s.storeAttachment(ctx, st, req.Kind, req.Description, file, nil)
		return err
	})
}

// storeAttachment saves the file, then commits its row together with event
// when one is given. The file is removed again if the commit fails.
func (s *DisciplineService) storeAttachment(ctx context.Context, st *caseState, kind models.AttachmentKind, description string, file UploadFile, event *models.CaseEvent) (*models.Attachment, error) {
	if s.files == nil || s.files.store == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "attachment storage is not configured")
	}
	name := filepath.Base(strings.TrimSpace(file.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "filename is required")
	}
	if file.Content == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	limit := s.files.opts.MaxFileSize
	if file.Size > limit {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s exceeds the %d byte limit", name, limit))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file.Content, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "unreadable file")
	}
	if n == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}
	head = head[:n]
	mime, _, _ := strings.Cut(mimetype.Detect(head).String(), ";")
	mime = strings.TrimSpace(mime)
	if !s.files.allowed(mime) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file type %s is not allowed", mime))
	}

	att := &models.Attachment{
		ID:         uuid.NewString(),
		CaseID:     st.c.ID,
		Kind:       kind,
		Filename:   name,
		MimeType:   mime,
		UploadedBy: st.actor.ID,
	}
	if d := strings.TrimSpace(description); d != "" {
		att.Description = &d
	}
	att.FilePath = filepath.ToSlash(filepath.Join(st.c.ID, att.ID, name))
	written, err := s.files.store.SaveStream(att.FilePath, io.MultiReader(bytes.NewReader(head), file.Content), limit)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s exceeds the %d byte limit", name, limit))
		}
		return nil, internal("store attachment", err)
	}
	att.SizeBytes = written
	if err := s.repo.AddAttachment(ctx, att, event); err != nil {
		if delErr := s.files.store.Delete(att.FilePath); delErr != nil {
			s.logger.Warn("orphan attachment left on disk", zap.String("path", att.FilePath), zap.Error(delErr))
		}
		return nil, err
	}
	s.logger.Info("attachment stored", zap.String("case_id", st.c.ID), zap.String("attachment_id", att.ID), zap.String("mime", mime), zap.Int64("size", written))
	return att, nil
}

// OpenAttachment validates a signed download token and opens the file.
func (s *DisciplineService) OpenAttachment(ctx context.Context, caseID, attachmentID, token string) (*models.Attachment, *os.File, error) {
	if s.files == nil || s.files.store == nil || s.files.signer == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "attachment storage is not configured")
	}
	if err := s.files.signer.Verify(token, caseID, attachmentID); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired download link")
	}
	att, err := s.repo.GetAttachment(ctx, caseID, attachmentID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, nil, internal("load attachment", err)
	}
	file, err := s.files.store.Open(att.FilePath)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "attachment file missing")
	}
	return att, file, nil
}
