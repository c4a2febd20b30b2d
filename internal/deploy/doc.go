// Package deploy publishes local content directories to an object store.
//
// A deployment checks the target bucket, walks each configured directory in
// order, uploads every regular file under a key derived from its path
// relative to the directory, and finishes by uploading a JSON manifest that
// lists everything transferred. Per-file failures are collected and the run
// continues; an unreachable target aborts before any upload.
package deploy
