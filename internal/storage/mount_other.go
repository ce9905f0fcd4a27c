//go:build !darwin && !linux

package storage

// Without statfs the mount is assumed local.
func filesystemType(string) (string, error) { return "", errNoStatfs }
