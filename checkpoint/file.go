// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigstep"
)

const (
	runFile      = "run.json"
	recordsDir   = "records"
	recordSuffix = ".json"
)

// fileStore stores checkpoints under a grailbio file prefix, which may
// be a local directory or an S3 URL:
//
//	{prefix}/{run}/run.json
//	{prefix}/{run}/records/{fingerprint}.json
//
// Each record is written as a whole, atomically, so that a crash never
// leaves a partially written record behind.
type fileStore struct {
	prefix string
}

// NewFile returns a Store that keeps checkpoints under the provided
// prefix.
func NewFile(prefix string) Store {
	return &fileStore{prefix: prefix}
}

func (s *fileStore) runPath(id string) string {
	return file.Join(s.prefix, id, runFile)
}

func (s *fileStore) recordPath(runID string, fp bigstep.Fingerprint) string {
	return file.Join(s.prefix, runID, recordsDir, fp.String()+recordSuffix)
}

func (s *fileStore) SaveRun(ctx context.Context, run Run) error {
	if err := run.Validate(); err != nil {
		return errors.E(errors.Invalid, err)
	}
	return writeJSON(ctx, s.runPath(run.ID), run)
}

func (s *fileStore) LoadRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := readJSONStrict(ctx, s.runPath(id), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, errors.E(errors.Integrity, err)
	}
	return run, nil
}

func (s *fileStore) Save(ctx context.Context, runID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return errors.E(errors.Invalid, err)
	}
	return writeJSON(ctx, s.recordPath(runID, rec.Fingerprint), rec)
}

func (s *fileStore) Load(ctx context.Context, runID string) (map[bigstep.Fingerprint]Record, error) {
	var paths []string
	lister := file.List(ctx, file.Join(s.prefix, runID, recordsDir), true)
	for lister.Scan() {
		if lister.IsDir() || !strings.HasSuffix(lister.Path(), recordSuffix) {
			continue
		}
		paths = append(paths, lister.Path())
	}
	if err := lister.Err(); err != nil {
		if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
			return map[bigstep.Fingerprint]Record{}, nil
		}
		return nil, err
	}
	var (
		mu   sync.Mutex
		recs = make(map[bigstep.Fingerprint]Record, len(paths))
	)
	err := traverse.Limit(16).Each(len(paths), func(i int) error {
		var rec Record
		if err := readJSONStrict(ctx, paths[i], &rec); err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return errors.E(errors.Integrity, fmt.Sprintf("%s", paths[i]), err)
		}
		mu.Lock()
		recs[rec.Fingerprint] = rec
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// readJSONStrict decodes a single JSON value from path, rejecting
// unknown fields and trailing content.
func readJSONStrict(ctx context.Context, path string, v interface{}) (err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.E(errors.NotExist, err)
		}
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	b, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.E(errors.Integrity, fmt.Sprintf("decode %s", path), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.E(errors.Integrity, fmt.Sprintf("decode %s: trailing content", path))
	}
	return nil
}

func writeJSON(ctx context.Context, path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := f.Writer(ctx).Write(b); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}
