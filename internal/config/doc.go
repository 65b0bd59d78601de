// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration.
//
// Precedence is ENV > YAML file > defaults. Every tunable has a
// VIDEOAGENT_-prefixed environment key; the YAML file is optional and
// parsed strictly (unknown keys fail the load). Holder adds hot reload:
// a successful Reload swaps the whole configuration atomically and
// notifies registered listeners, a failed one keeps the old state.
package config
