// Package memengine provides in-memory implementations of the producttwin
// storage interfaces: a versioned document store and a wide-row projection
// store.
//
// The engines keep every revision for the lifetime of the process and are safe
// for concurrent use. They serve tests and light single-process deployments;
// durable deployments use the pgengine and redisengine packages.
package memengine
