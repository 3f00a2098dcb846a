package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// SeenCache remembers source URLs that are already stored so repeated inserts can be
// answered without a database round trip.
type SeenCache interface {
	IsSeen(sourceURL string) bool
	MarkSeen(sourceURL string)
	Close()
}

type itemStore interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Close() error
}

// MemcachedClient keeps seen flags in memcached. Keys are prefixed with a namespace naming the
// record table, so flags written for one table never answer for another.
type MemcachedClient struct {
	client    itemStore
	namespace string
	cfg       *config.CacheConfig
	log       *slog.Logger
}

// Namespace names the seen flags of one database table.
func Namespace(dbName, table string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, dbName+"."+table)
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, namespace string, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	client := memcache.NewFromSelector(ss)
	log.Info("pinging the memcached.")
	err = client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("connected to memcached!")

	return newMemcachedWith(client, cacheConfig, namespace, log)
}

func newMemcachedWith(client itemStore, cacheConfig *config.CacheConfig, namespace string,
	log *slog.Logger) *MemcachedClient {
	return &MemcachedClient{
		client:    client,
		namespace: namespace,
		cfg:       cacheConfig,
		log:       log,
	}
}

func (mc *MemcachedClient) IsSeen(sourceURL string) bool {
	key := seenKey(mc.namespace, sourceURL)
	_, err := mc.client.Get(key)
	if err == nil {
		return true
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		mc.log.Warn("failed to read seen flag.", slog.String("key", key), slog.String("err", err.Error()))
	}
	return false
}

func (mc *MemcachedClient) MarkSeen(sourceURL string) {
	key := seenKey(mc.namespace, sourceURL)
	err := mc.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte("1"),
		Expiration: int32(mc.cfg.TtlForSeen.Seconds()),
	})
	if err != nil {
		mc.log.Error("failed to save seen flag.", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("seen flag saved to cache.")
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func seenKey(namespace, sourceURL string) string {
	return fmt.Sprintf("%s-%s-seen", namespace, hashURL(sourceURL))
}

func hashURL(url string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	return hex.EncodeToString(hash.Sum(nil))
}
