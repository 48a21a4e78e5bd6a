// Package config defines the proxy configuration snapshot and how it is
// loaded, compared, published and watched.
//
// A *Config is built once per load and never modified afterwards. The
// current snapshot is published through a Store so connection handlers can
// take a reference at the start of each connection without locking, while
// reloads replace the snapshot wholesale.
package config
