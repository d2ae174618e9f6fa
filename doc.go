// Package apiversion lets a service speak one current API contract while
// serving clients pinned to older ones.
//
// Each change to a request or response shape is captured by a Migration
// tagged with the version that introduced it. Inbound request bodies are
// migrated up from the caller's requested version to the current version,
// and outbound response bodies are migrated back down. The selection and
// ordering of migrations lives in package migration; the HTTP binding lives
// in package http.
package apiversion
