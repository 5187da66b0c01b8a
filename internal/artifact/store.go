package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

const (
	ReportFile     = "report.json"
	MachineLogFile = "machine.log"
	OutputLogFile  = "prog.log"
	PcapPattern    = "*.pcap"

	dirPerm  = 0o750
	filePerm = 0o640
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrInvalidTaskID = errors.New("invalid task id")
	ErrInvalidName   = errors.New("invalid artifact name")
	ErrReservedName  = errors.New("artifact name is reserved")
	ErrTaskDirExists = errors.New("task directory already exists")
	ErrExists        = errors.New("artifact already exists")
	ErrTooLarge      = errors.New("artifact exceeds the size limit")
)

// FileStore keeps one directory per task under root. Directories are created
// once before the task is queued and never shared between tasks.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Root() string {
	return s.root
}

func ValidateTaskID(taskID string) error {
	if _, err := uuid.Parse(taskID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}

func (s *FileStore) Dir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// CreateTaskDir fails with ErrTaskDirExists if the directory is already there.
func (s *FileStore) CreateTaskDir(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return "", fmt.Errorf("creating storage root: %w", err)
	}

	dir := s.Dir(taskID)
	if err := os.Mkdir(dir, dirPerm); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrTaskDirExists
		}
		return "", fmt.Errorf("creating task directory: %w", err)
	}
	return dir, nil
}

func (s *FileStore) RemoveTaskDir(taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(taskID))
}

// Stage copies the submitted input into the task directory under the base of
// name. When limit is positive, inputs larger than limit bytes are removed and
// ErrTooLarge is returned. Inputs may not take the name of an artifact the
// analysis produces.
func (s *FileStore) Stage(taskID, name string, r io.Reader, limit int64) (string, error) {
	path, err := s.path(taskID, name)
	if err != nil {
		return "", err
	}
	if IsReservedName(filepath.Base(path)) {
		return "", ErrReservedName
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrExists
		}
		return "", fmt.Errorf("staging %s: %w", name, err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("staging %s: %w", name, err)
	}
	return path, nil
}

// Write stores data atomically. The report is written once and never replaced.
func (s *FileStore) Write(taskID, name string, data []byte) error {
	path, err := s.path(taskID, name)
	if err != nil {
		return err
	}
	if name == ReportFile {
		if _, err := os.Stat(path); err == nil {
			return ErrExists
		}
	}

	tmp, err := os.CreateTemp(s.Dir(taskID), "."+filepath.Base(name)+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Open returns ErrNotFound for unknown tasks, invalid ids and missing files.
func (s *FileStore) Open(taskID, name string) (*os.File, error) {
	path, err := s.path(taskID, name)
	if err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FileStore) Exists(taskID, name string) bool {
	path, err := s.path(taskID, name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Glob returns the base name of the first file matching pattern.
func (s *FileStore) Glob(taskID, pattern string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", ErrNotFound
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir(taskID), pattern))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			return filepath.Base(m), nil
		}
	}
	return "", ErrNotFound
}

// IsReservedName reports whether name belongs to an artifact written by the analysis.
func IsReservedName(name string) bool {
	switch name {
	case ReportFile, MachineLogFile, OutputLogFile:
		return true
	}
	return false
}

func (s *FileStore) path(taskID, name string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	base := filepath.Base(name)
	if name == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.Dir(taskID), base), nil
}
