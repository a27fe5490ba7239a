package blk

import (
	"encoding/binary"
	"sync"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
)

const (
	CacheBlockSize = 4096

	DefaultCacheBlocks = 16384
)

var blocksBucket = []byte("blocks")

// BlockCache keeps recently read or written disk blocks in a local bbolt
// file, evicting the least recently used ones once maxBlocks are held.
type BlockCache struct {
	log hclog.Logger

	mu        sync.Mutex
	db        *bbolt.DB
	inUse     *lru.Cache[uint64, struct{}]
	blocks    int
	maxBlocks int
}

// NewBlockCache opens the cache file at path. Anything left in it from a
// previous run is discarded, since the remote export may have changed since.
func NewBlockCache(log hclog.Logger, path string, maxBlocks int) (*BlockCache, error) {
	if maxBlocks <= 0 {
		maxBlocks = DefaultCacheBlocks
	}

	db, err := bbolt.Open(path, 0644, bbolt.DefaultOptions)
	if err != nil {
		return nil, err
	}

	db.NoSync = true
	db.NoFreelistSync = true

	err = db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(blocksBucket) != nil {
			if err := tx.DeleteBucket(blocksBucket); err != nil {
				return err
			}
		}

		_, err := tx.CreateBucket(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	iu, err := lru.New[uint64, struct{}](maxBlocks)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BlockCache{
		log:       log,
		db:        db,
		inUse:     iu,
		maxBlocks: maxBlocks,
	}, nil
}

func (c *BlockCache) Close() error {
	return c.db.Close()
}

func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.blocks
}

func blockKey(blk uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], blk)
	return key[:]
}

func (c *BlockCache) makeRoom(buk *bbolt.Bucket, blks int) error {
	for c.blocks+blks > c.maxBlocks {
		blk, _, ok := c.inUse.RemoveOldest()
		if !ok {
			break
		}

		if err := buk.Delete(blockKey(blk)); err != nil {
			return err
		}

		c.blocks--
	}

	return nil
}

// Get copies block blk into data, reporting false if it isn't cached.
func (c *BlockCache) Get(blk uint64, data []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inUse.Get(blk); !ok {
		return false, nil
	}

	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(blocksBucket).Get(blockKey(blk)); b != nil {
			found = true
			copy(data, b)
		}

		return nil
	})

	return found, err
}

func (c *BlockCache) Put(blk uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bbolt.Tx) error {
		buk := tx.Bucket(blocksBucket)

		if !c.inUse.Contains(blk) {
			if err := c.makeRoom(buk, 1); err != nil {
				return err
			}

			c.blocks++
		}

		c.inUse.Add(blk, struct{}{})

		return buk.Put(blockKey(blk), data)
	})
}

func (c *BlockCache) Invalidate(blk uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse.Remove(blk) {
		return nil
	}

	c.blocks--

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Delete(blockKey(blk))
	})
}

// Reset drops every cached block.
func (c *BlockCache) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inUse.Purge()
	c.blocks = 0

	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(blocksBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(blocksBucket)
		return err
	})
}
