// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit admits or denies requests per client identifier using a
// sliding log: a client may make at most Limit accepted requests inside any
// Window. Denied attempts are not recorded.
//
// MemoryLimiter keeps the log in process and is only correct for a single
// relay instance. RedisLimiter keeps it in a sorted set per client so that
// several instances share one budget.
package ratelimit
