// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workload

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
)

const (
	testingBufferPoolSize   = 20 * humanize.MiByte
	testingChunkSize        = 1 * humanize.MiByte
	defaultChunkSize        = 128 * humanize.MiByte
	messageCacheSize        = 128 * humanize.MiByte
	largeMessageCacheMemory = 2 * humanize.GiByte
	largeMessageCacheSize   = 1 * humanize.GiByte
	perConnectionMemory     = 12 * humanize.MiByte
	minConnections          = 100
	maxConnections          = 16000
	minMemory               = config.MinProfileLimitMemory * humanize.MiByte
)

// Settings are the memory-dependent mysqld settings.
type Settings struct {
	BufferPoolSize   int64
	BufferChunkSize  int64
	MessageCacheSize int64
	MaxConnections   int
	PerformanceStats bool
}

// ComputeSettings sizes mysqld for the profile. memory is the memory
// available to mysqld in bytes and is ignored by the testing profile.
func ComputeSettings(profile config.Profile, memory int64) (Settings, error) {
	if profile == config.ProfileTesting {
		return Settings{
			BufferPoolSize:   testingBufferPoolSize,
			BufferChunkSize:  testingChunkSize,
			MessageCacheSize: messageCacheSize,
			MaxConnections:   minConnections,
		}, nil
	}
	if memory < minMemory {
		return Settings{}, errors.NotValidf("%s of memory (minimum %s)",
			humanize.IBytes(uint64(memory)), humanize.IBytes(uint64(minMemory)))
	}

	cache := int64(messageCacheSize)
	if memory >= largeMessageCacheMemory {
		cache = largeMessageCacheSize
	}
	pool := (memory - cache) * 3 / 4
	chunk := int64(defaultChunkSize)
	if pool < chunk {
		chunk = testingChunkSize
	}
	pool = pool / chunk * chunk

	conns := int((memory - cache - pool) / perConnectionMemory)
	if conns < minConnections {
		conns = minConnections
	} else if conns > maxConnections {
		conns = maxConnections
	}
	return Settings{
		BufferPoolSize:   pool,
		BufferChunkSize:  chunk,
		MessageCacheSize: cache,
		MaxConnections:   conns,
		PerformanceStats: true,
	}, nil
}

// Render returns the my.cnf fragment for the settings.
func (s Settings) Render() (string, error) {
	f := ini.Empty()
	sec, err := f.NewSection("mysqld")
	if err != nil {
		return "", errors.Trace(err)
	}
	perfSchema := "OFF"
	if s.PerformanceStats {
		perfSchema = "ON"
	}
	for _, kv := range [][2]string{
		{"bind-address", "0.0.0.0"},
		{"mysqlx-bind-address", "0.0.0.0"},
		{"max_connections", strconv.Itoa(s.MaxConnections)},
		{"innodb_buffer_pool_size", strconv.FormatInt(s.BufferPoolSize, 10)},
		{"innodb_buffer_pool_chunk_size", strconv.FormatInt(s.BufferChunkSize, 10)},
		{"group_replication_message_cache_size", strconv.FormatInt(s.MessageCacheSize, 10)},
		{"performance_schema", perfSchema},
		{"log_error", "/var/log/mysql/error.log"},
	} {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return "", errors.Annotatef(err, "setting %s", kv[0])
		}
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return "", errors.Trace(err)
	}
	return buf.String(), nil
}

// ParseSettings reads settings back from a rendered fragment.
func ParseSettings(content string) (Settings, error) {
	f, err := ini.Load([]byte(content))
	if err != nil {
		return Settings{}, errors.Annotate(err, "parsing my.cnf")
	}
	sec := f.Section("mysqld")
	s := Settings{
		PerformanceStats: sec.Key("performance_schema").String() == "ON",
	}
	if s.BufferPoolSize, err = sec.Key("innodb_buffer_pool_size").Int64(); err != nil {
		return Settings{}, errors.Annotate(err, "innodb_buffer_pool_size")
	}
	if s.BufferChunkSize, err = sec.Key("innodb_buffer_pool_chunk_size").Int64(); err != nil {
		return Settings{}, errors.Annotate(err, "innodb_buffer_pool_chunk_size")
	}
	if s.MessageCacheSize, err = sec.Key("group_replication_message_cache_size").Int64(); err != nil {
		return Settings{}, errors.Annotate(err, "group_replication_message_cache_size")
	}
	if s.MaxConnections, err = sec.Key("max_connections").Int(); err != nil {
		return Settings{}, errors.Annotate(err, "max_connections")
	}
	return s, nil
}

// parseCgroupLimit parses the content of a cgroup v2 memory.max file.
func parseCgroupLimit(content string) (int64, bool) {
	content = strings.TrimSpace(content)
	if content == "" || content == "max" {
		return 0, false
	}
	v, err := strconv.ParseInt(content, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// parseMemInfo returns MemTotal from /proc/meminfo in bytes.
func parseMemInfo(content string) (int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, errors.NotValidf("MemTotal %q", fields[1])
		}
		return kb * humanize.KiByte, nil
	}
	return 0, errors.NotFoundf("MemTotal in /proc/meminfo")
}
