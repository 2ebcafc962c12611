// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstep"
	"github.com/spaolacci/murmur3"
)

const (
	entryName = "entry.json"
	lockName  = "lock"
)

// fileCache is a Cache stored in a directory that may be shared by
// many processes, for example on a network filesystem. Each
// fingerprint has its own directory, sharded by a hash prefix:
//
//	{dir}/{shard}/{fingerprint}/entry.json
//	{dir}/{shard}/{fingerprint}/lock
//
// Reservations are lock files created with exclusive-create
// semantics; entries are written atomically.
type fileCache struct {
	dir string
	now func() time.Time
}

// NewFile returns a cache stored in the provided local directory,
// creating it if needed. The directory must reside on a filesystem
// that supports exclusive file creation.
func NewFile(dir string) (Cache, error) {
	if strings.Contains(dir, "://") {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("cache directory %s: reservations require a local filesystem", dir))
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(err, "create cache directory")
	}
	return &fileCache{dir: dir, now: time.Now}, nil
}

func (f *fileCache) path(fp bigstep.Fingerprint, name string) string {
	shard := fmt.Sprintf("%02x", murmur3.Sum32(fp[:])&0xff)
	return filepath.Join(f.dir, shard, fp.String(), name)
}

func (f *fileCache) Lookup(ctx context.Context, fp bigstep.Fingerprint) (Entry, error) {
	var entry Entry
	if err := readJSON(ctx, f.path(fp, entryName), &entry); err != nil {
		return Entry{}, err
	}
	if entry.Fingerprint != fp {
		return Entry{}, errors.E(errors.Integrity, fmt.Sprintf("cache entry %s has fingerprint %s", fp.Short(), entry.Fingerprint.Short()))
	}
	return entry, nil
}

func (f *fileCache) complete(ctx context.Context, fp bigstep.Fingerprint) (bool, error) {
	entry, err := f.Lookup(ctx, fp)
	if errors.Is(errors.NotExist, err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.Status == Complete, nil
}

func (f *fileCache) Reserve(ctx context.Context, fp bigstep.Fingerprint, owner string) (Token, error) {
	if done, err := f.complete(ctx, fp); err != nil {
		return Token{}, err
	} else if done {
		return Token{}, ErrAlreadyReserved
	}
	path := f.path(fp, lockName)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return Token{}, errors.E(err, fmt.Sprintf("reserve %s", fp.Short()))
	}
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return Token{}, ErrAlreadyReserved
	}
	if err != nil {
		return Token{}, errors.E(err, fmt.Sprintf("reserve %s", fp.Short()))
	}
	now := f.now()
	lock := Lock{Owner: owner, Created: now, Heartbeat: now}
	err = json.NewEncoder(fd).Encode(lock)
	if err == nil {
		err = fd.Sync()
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Token{}, errors.E(err, fmt.Sprintf("reserve %s", fp.Short()))
	}
	// A commit may have completed between the check above and the
	// creation of the lock.
	if done, err := f.complete(ctx, fp); err != nil || done {
		os.Remove(path)
		if err != nil {
			return Token{}, err
		}
		return Token{}, ErrAlreadyReserved
	}
	return Token{Fingerprint: fp, Owner: owner, Reserved: now}, nil
}

// held verifies that tok's reservation is still held and that the
// entry is not complete.
func (f *fileCache) held(ctx context.Context, op string, tok Token) (Lock, error) {
	if done, err := f.complete(ctx, tok.Fingerprint); err != nil {
		return Lock{}, err
	} else if done {
		return Lock{}, alreadyComplete(op, tok.Fingerprint)
	}
	lock, err := f.Holder(ctx, tok.Fingerprint)
	if errors.Is(errors.NotExist, err) {
		return Lock{}, lostReservation(op, tok, "")
	}
	if err != nil {
		return Lock{}, err
	}
	if lock.Owner != tok.Owner {
		return Lock{}, lostReservation(op, tok, lock.Owner)
	}
	return lock, nil
}

func (f *fileCache) Commit(ctx context.Context, tok Token, jobID string, art bigstep.Artifact) error {
	lock, err := f.held(ctx, "commit", tok)
	if err != nil {
		return err
	}
	entry := Entry{
		Fingerprint: tok.Fingerprint,
		Status:      Complete,
		Artifact:    art,
		Owner:       tok.Owner,
		JobID:       jobID,
		Created:     lock.Created,
		Updated:     f.now(),
	}
	return f.finish(ctx, entry)
}

func (f *fileCache) ReleaseFailed(ctx context.Context, tok Token, jobID string, cause error) error {
	lock, err := f.held(ctx, "release", tok)
	if err != nil {
		return err
	}
	entry := Entry{
		Fingerprint: tok.Fingerprint,
		Status:      Failed,
		Owner:       tok.Owner,
		JobID:       jobID,
		Error:       errorString(cause),
		Created:     lock.Created,
		Updated:     f.now(),
	}
	return f.finish(ctx, entry)
}

// finish writes the entry and then releases its reservation. The
// entry is durable before the lock disappears, so waiters that
// observe the release always find the entry.
func (f *fileCache) finish(ctx context.Context, entry Entry) error {
	if err := writeJSON(ctx, f.path(entry.Fingerprint, entryName), entry); err != nil {
		return err
	}
	if err := os.Remove(f.path(entry.Fingerprint, lockName)); err != nil && !os.IsNotExist(err) {
		return errors.E(err, fmt.Sprintf("release reservation %s", entry.Fingerprint.Short()))
	}
	return nil
}

func (f *fileCache) Holder(ctx context.Context, fp bigstep.Fingerprint) (Lock, error) {
	return readLock(f.path(fp, lockName))
}

func (f *fileCache) Refresh(ctx context.Context, tok Token) error {
	path := f.path(tok.Fingerprint, lockName)
	lock, err := readLock(path)
	if errors.Is(errors.NotExist, err) {
		return lostReservation("refresh", tok, "")
	}
	if err != nil {
		return err
	}
	if lock.Owner != tok.Owner {
		return lostReservation("refresh", tok, lock.Owner)
	}
	lock.Heartbeat = f.now()
	// The lock is replaced by rename so that it never disappears.
	tmp := path + ".refresh." + uuid.New().String()
	b, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(tmp, b, 0644); err != nil {
		return errors.E(err, fmt.Sprintf("refresh %s", tok.Fingerprint.Short()))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.E(err, fmt.Sprintf("refresh %s", tok.Fingerprint.Short()))
	}
	return nil
}

func (f *fileCache) Reclaim(ctx context.Context, fp bigstep.Fingerprint, owner string) error {
	path := f.path(fp, lockName)
	// Move the lock aside before inspecting it, so that a lock created
	// concurrently by a new owner is never removed.
	aside := path + ".reclaim." + uuid.New().String()
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.E(err, fmt.Sprintf("reclaim %s", fp.Short()))
	}
	defer os.Remove(aside)
	lock, err := readLock(aside)
	if err != nil {
		return err
	}
	if lock.Owner == owner {
		log.Printf("cache: reclaimed reservation of %s from %s", fp.Short(), owner)
		return nil
	}
	// Not ours to reclaim: put it back unless it was already replaced.
	if err := os.Link(aside, path); err != nil && !os.IsExist(err) {
		return errors.E(err, fmt.Sprintf("reclaim %s", fp.Short()))
	}
	return nil
}

func readLock(path string) (Lock, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return Lock{}, errors.E(errors.NotExist, fmt.Sprintf("no reservation at %s", path))
	}
	if err != nil {
		return Lock{}, errors.E(err, fmt.Sprintf("read reservation %s", path))
	}
	var lock Lock
	if err := json.Unmarshal(b, &lock); err != nil {
		return Lock{}, errors.E(errors.Integrity, fmt.Sprintf("decode reservation %s", path), err)
	}
	return lock, nil
}

func readJSON(ctx context.Context, path string, v interface{}) (err error) {
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
	return json.Unmarshal(b, v)
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
