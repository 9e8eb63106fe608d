//go:build !unix

package store

// fileLock is a no-op where flock is unavailable.
type fileLock struct{}

func acquireLock(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() {}
