// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the region controller's pool configuration.
//
// Configuration is read once at process start and never changes
// afterwards. Sources, lowest precedence first:
//
//  1. [Default] values,
//  2. an optional YAML file named by --config or REGIOND_CONFIG,
//  3. the MAAS_* environment variables listed on [Load],
//  4. command-line flags, applied by the binary after loading.
//
// ${VAR} and ${VAR:-default} references in path fields are expanded
// after the file and environment are merged. The pool size resolves
// to runtime.NumCPU() when nothing sets it.
package config
