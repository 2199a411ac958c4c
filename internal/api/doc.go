// Package api exposes the HTTP interface for the realtime coordination
// service: synchronous analysis runs, job state polling and listing, and
// server-sent event streams of live job progress.
package api
