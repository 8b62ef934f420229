package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DriveConfig points at a service account key and the folder snapshots go in.
type DriveConfig struct {
	CredentialsFile string
	FolderID        string
	Prefix          string
}

// DriveStore keeps snapshots as files in one Google Drive folder. The object
// id is the Drive file id.
type DriveStore struct {
	srv    *drive.Service
	folder string
	prefix string
}

func NewDriveStore(ctx context.Context, cfg DriveConfig) (*DriveStore, error) {
	if cfg.FolderID == "" {
		return nil, errors.New("google drive folder id is required")
	}
	if _, err := os.Stat(cfg.CredentialsFile); err != nil {
		return nil, fmt.Errorf("service account file not found: %s", cfg.CredentialsFile)
	}
	srv, err := drive.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(drive.DriveFileScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return NewDriveStoreWithService(srv, cfg.FolderID, cfg.Prefix), nil
}

func NewDriveStoreWithService(srv *drive.Service, folderID, prefix string) *DriveStore {
	return &DriveStore{srv: srv, folder: folderID, prefix: prefix}
}

func (s *DriveStore) Name() string { return "drive" }

func (s *DriveStore) Upload(ctx context.Context, name string, body []byte) (string, error) {
	f, err := s.srv.Files.Create(&drive.File{
		Name:        name,
		Parents:     []string{s.folder},
		MimeType:    "text/markdown",
		Description: "Agent memory snapshot",
	}).
		Media(bytes.NewReader(body), googleapi.ContentType("text/markdown")).
		Fields("id, name, size, createdTime").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	return f.Id, nil
}

// Query is the Drive search expression used to list snapshots.
func (s *DriveStore) Query() string {
	q := fmt.Sprintf("'%s' in parents and trashed = false", quoteDrive(s.folder))
	if s.prefix != "" {
		q += fmt.Sprintf(" and name contains '%s'", quoteDrive(s.prefix))
	}
	return q
}

func (s *DriveStore) List(ctx context.Context) ([]RemoteObject, error) {
	var out []RemoteObject
	err := s.srv.Files.List().
		Q(s.Query()).
		Fields("nextPageToken, files(id, name, size, createdTime)").
		OrderBy("createdTime desc").
		PageSize(100).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				created, err := time.Parse(time.RFC3339, f.CreatedTime)
				if err != nil {
					return fmt.Errorf("parse createdTime of %s: %w", f.Id, err)
				}
				out = append(out, RemoteObject{
					ID:        f.Id,
					Name:      f.Name,
					CreatedAt: created.UTC(),
					Size:      f.Size,
				})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DriveStore) Delete(ctx context.Context, id string) error {
	return s.srv.Files.Delete(id).Context(ctx).Do()
}

func quoteDrive(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
