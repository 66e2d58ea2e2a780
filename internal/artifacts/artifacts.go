/*
Copyright 2025 Sidefx Labs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package artifacts implements the durable write target for effect evidence.
// Writes are create-only: once an artifact exists for a name it is never
// overwritten, which makes artifact creation itself idempotent and lets the
// worker detect an effect that ran before a crash.
package artifacts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sidefxlabs/sidefx/config"
	"github.com/sidefxlabs/sidefx/model"
)

const refScheme = "local://"

// Store writes and lists artifact files under a base directory, optionally
// mirroring every new artifact to S3.
type Store struct {
	baseDir  string
	s3Bucket string
	s3       *s3.S3
}

// NewStore builds a store from configuration. S3 mirroring is enabled only
// when a bucket name is configured.
func NewStore(cnf *config.Configuration) (*Store, error) {
	if err := os.MkdirAll(cnf.Artifacts.Dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "creating artifacts dir")
	}

	store := &Store{baseDir: cnf.Artifacts.Dir}

	if cnf.Artifacts.S3BucketName != "" {
		sess, err := session.NewSession(&aws.Config{
			Region:           aws.String(cnf.Artifacts.S3Region),
			Endpoint:         aws.String(cnf.Artifacts.S3Endpoint),
			Credentials:      credentials.NewStaticCredentials(cnf.Artifacts.AwsAccessKeyId, cnf.Artifacts.AwsSecretAccessKey, ""),
			S3ForcePathStyle: aws.Bool(cnf.Artifacts.S3Endpoint != ""),
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating s3 session")
		}
		store.s3 = s3.New(sess)
		store.s3Bucket = cnf.Artifacts.S3BucketName
	}

	return store, nil
}

// NewLocalStore builds a store over a directory with no S3 mirroring.
func NewLocalStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "creating artifacts dir")
	}
	return &Store{baseDir: baseDir}, nil
}

// Ref returns the artifact reference for a name in a group, without touching
// storage. The same inputs always produce the same ref.
func (s *Store) Ref(group, name string) string {
	return refScheme + filepath.ToSlash(filepath.Join(group, name))
}

// Create writes an artifact if and only if it does not exist yet. When the
// artifact is already present the existing one is returned unchanged, so a
// redelivered command can never produce a second artifact for the same name.
func (s *Store) Create(group, name string, body []byte) (*model.Artifact, error) {
	dir := filepath.Join(s.baseDir, group)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "creating artifact group dir")
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return s.stat(group, name)
		}
		return nil, errors.Wrap(err, "creating artifact")
	}

	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "writing artifact")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "closing artifact")
	}

	s.mirrorToS3(group, name, body)

	return s.stat(group, name)
}

// Exists reports whether an artifact is already present.
func (s *Store) Exists(group, name string) bool {
	_, err := os.Stat(filepath.Join(s.baseDir, group, name))
	return err == nil
}

// Get reads an artifact's contents by ref.
func (s *Store) Get(ref string) ([]byte, error) {
	rel := strings.TrimPrefix(ref, refScheme)
	body, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact %s", ref)
	}
	return body, nil
}

// List returns artifacts in a group, newest name last, capped at limit.
func (s *Store) List(group string, limit int) ([]model.Artifact, error) {
	dir := filepath.Join(s.baseDir, group)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Artifact{}, nil
		}
		return nil, errors.Wrap(err, "listing artifacts")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	items := make([]model.Artifact, 0, len(names))
	for _, name := range names {
		a, err := s.stat(group, name)
		if err != nil {
			return nil, err
		}
		items = append(items, *a)
	}
	return items, nil
}

func (s *Store) stat(group, name string) (*model.Artifact, error) {
	info, err := os.Stat(filepath.Join(s.baseDir, group, name))
	if err != nil {
		return nil, errors.Wrap(err, "stat artifact")
	}
	return &model.Artifact{
		Ref:       s.Ref(group, name),
		Name:      name,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}, nil
}

// mirrorToS3 is best effort: the local create-only write is the durability
// point the ledger depends on, the mirror is for operators.
func (s *Store) mirrorToS3(group, name string, body []byte) {
	if s.s3 == nil {
		return
	}
	key := fmt.Sprintf("%s/%s/%s", time.Now().Format("2006-01-02"), group, name)
	_, err := s.s3.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.s3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		logrus.Warnf("failed to mirror artifact %s/%s to s3: %v", group, name, err)
	}
}
