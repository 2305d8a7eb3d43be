package utils

import (
	"time"

	"github.com/tyler-smith/go-bip39"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/store"
)

func LoadDB(dbDialector string) (ledger.Store, error) {
	if dbDialector == "" {
		dbDialector = DefaultStorePath()
	}
	return store.New(sqlite.Open(dbDialector), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
}

func LoadKeys(mnemonic string) (Keys, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return Keys{}, err
	}
	return NewKeys(entropy), nil
}
