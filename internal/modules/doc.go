// Package modules discovers installed modules on disk.
//
// Layout:
//
//	<dir>/common.js                      shared prelude
//	<dir>/<repo>/metadata.json           repo metadata
//	<dir>/<repo>/<...>/<module>/metadata.{json,yaml,yml,toml}
//	<dir>/<repo>/<...>/<module>/code.js
//
// Scripts must sniff as text.
package modules
