// Package config loads and validates the vfserver configuration.
//
// Configuration is built in layers: built-in defaults (Default), then each file
// added with AddLayer (JSON or YAML, deep-merged so a layer only overrides the keys
// it names), then environment overrides with the VF2_ prefix:
//
//	VF2_PORT          server.port
//	VF2_CATALOG_ROOT  catalog.root
//	VF2_NATS_URL      activity.nats_url
//
// Durations under "server" accept Go duration strings ("30s", "2m").
//
// Example:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/local.yaml")
//	cfg, err := loader.Load()
//	if err != nil {
//	    return fmt.Errorf("load config: %w", err)
//	}
//
// Files are read through a guarded path: size limit, regular files only, JSON depth
// limit, and relative paths may not escape the working directory.
package config
