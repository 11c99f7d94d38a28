package badger

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Backend owns the badger database shared by the graph store.
type Backend struct {
	db *badger.DB
}

type badgerLoggerAdapter struct{}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (badgerLoggerAdapter) Errorf(msg string, items ...any) {
	logger.Error("[Badger] " + strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (badgerLoggerAdapter) Warningf(msg string, items ...any) {
	logger.Warn("[Badger] " + strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (badgerLoggerAdapter) Infof(msg string, items ...any) {
	logger.Debug("[Badger] " + strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (badgerLoggerAdapter) Debugf(msg string, items ...any) {
	logger.Debug("[Badger] " + strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// OpenBackend opens (or creates) a badger database in dir. With inMemory set
// dir is ignored and nothing touches disk.
func OpenBackend(dir string, inMemory bool) (*Backend, error) {
	var opts badger.Options

	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			info, err = os.Stat(dir)
			if err != nil {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}

	opts.Logger = badgerLoggerAdapter{}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed reports whether the database was closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx runs fn in a transaction. Write transactions are committed when fn
// returns nil; the transaction is always discarded afterwards.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	if !isWrite {
		return nil
	}
	return classify(tx.Commit())
}

// classify maps badger errors onto the store error classes.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return common.Transient(err)
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, badger.ErrReadOnlyTxn):
		return common.Fatal(err)
	default:
		return err
	}
}
