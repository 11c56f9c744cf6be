// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backups

import (
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/errors"
)

const (
	metadataFile = "metadata.json"
	streamFile   = "backup.xbstream"

	// idLayout formats backup IDs; they sort chronologically.
	idLayout = "2006-01-02T15:04:05Z"
)

// Backup types and statuses.
const (
	TypePhysical   = "physical"
	StatusFinished = "finished"
)

// Metadata describes a stored backup.
type Metadata struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Unit        string    `json:"unit"`
	ClusterName string    `json:"cluster-name"`
	Version     string    `json:"version"`
	Size        int64     `json:"size"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// ValidateID returns an error satisfying errors.NotValid unless id is a
// backup ID.
func ValidateID(id string) error {
	if _, err := time.Parse(idLayout, id); err != nil {
		return errors.NotValidf("backup id %q", id)
	}
	return nil
}

func objectKey(prefix, id, file string) string {
	return path.Join(prefix, id, file)
}

// backupID returns the ID of the backup owning a metadata object.
func backupID(prefix, key string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	rest = strings.TrimPrefix(rest, "/")
	id, file, ok := strings.Cut(rest, "/")
	if !ok || file != metadataFile || ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// FormatList renders backups as the table returned by list-backups.
func FormatList(backups []Metadata) string {
	table := uitable.New()
	table.MaxColWidth = 50
	table.AddRow("backup-id", "backup-type", "backup-status", "size", "unit")
	for _, b := range backups {
		table.AddRow(b.ID, b.Type, b.Status, humanize.Bytes(uint64(b.Size)), b.Unit)
	}
	return table.String()
}
