package util

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes JSON config object to a file creating parent directories if required
// The output JSON is pretty-formatted
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	configDir, configFileName, err := prepareConfigFileDir(file)
	if err != nil {
		return err
	}

	return writeJson(ctx, file, obj, configDir, configFileName)
}

func writeJson(ctx context.Context, file string, obj interface{}, configDir string, configFileName string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	// make it pretty
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeBytes(ctx, file, configDir, configFileName, bs)
}

// writeBytes writes bytes to a file using atomic write (temp file + rename)
func writeBytes(ctx context.Context, file string, configDir string, configFileName string, bs []byte) error {
	tempFile, err := os.CreateTemp(configDir, ".*"+configFileName)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	if err := os.Chmod(tempFileName, 0600); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("write: %w", err)
	}

	return commitTempFile(ctx, tempFile, file)
}

// WriteStreamAtomically copies r into file through a temporary file created in the same
// directory and renames it onto file once everything was written and synced. Every byte is
// also written to h when it is not nil. If any step fails the temporary file is removed and
// file is left untouched. Returns the number of bytes written.
func WriteStreamAtomically(ctx context.Context, file string, r io.Reader, h hash.Hash) (int64, error) {
	if ctx.Err() != nil {
		return 0, fmt.Errorf("write stream start: %w", ctx.Err())
	}

	dir, name := filepath.Split(file)
	if dir == "" {
		dir = "."
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name+".tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}

	var w io.Writer = tempFile
	if h != nil {
		w = io.MultiWriter(tempFile, h)
	}

	n, err := io.Copy(w, &contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFile.Name())
		return n, fmt.Errorf("write %s: %w", tempFile.Name(), err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFile.Name())
		return n, fmt.Errorf("sync %s: %w", tempFile.Name(), err)
	}

	return n, commitTempFile(ctx, tempFile, file)
}

// commitTempFile closes tempFile and moves it over file. The temporary file never survives
// a failed commit.
func commitTempFile(ctx context.Context, tempFile *os.File, file string) error {
	tempFileName := tempFile.Name()

	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			if err := os.Remove(tempFileName); err != nil {
				log.Warnf("failed to remove temp file %s: %v", tempFileName, err)
			}
		}
	}()

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err := os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ReadJson reads JSON config file and maps to a provided interface
func ReadJson(file string, res interface{}) (interface{}, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(bs, &res)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// prepareConfigFileDir prepares the directory for a config file.
func prepareConfigFileDir(file string) (string, string, error) {
	configDir, configFileName := filepath.Split(file)
	if configDir == "" {
		return filepath.Dir(file), configFileName, nil
	}

	err := os.MkdirAll(configDir, 0750)
	if err != nil {
		return "", "", err
	}

	return configDir, configFileName, err
}
