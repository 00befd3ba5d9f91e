package storage

import (
	"io"
	"time"
)

type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	ModTime(path string) (time.Time, error)

	Move(src, dst string) error

	Usage() (UsageStats, error)

	Location() string
}

type UsageStats struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}
