/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import (
	"database/sql"

	// Register the sqlite3 driver.
	_ "github.com/CovenantSQL/go-sqlite3-encrypt"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils"
)

const (
	sqliteSchema = "CREATE TABLE IF NOT EXISTS `campaigns` (" +
		"`id` TEXT PRIMARY KEY, `version` INTEGER NOT NULL, `body` BLOB NOT NULL)"
	sqliteGet    = "SELECT `version`, `body` FROM `campaigns` WHERE `id` = ?"
	sqliteInsert = "INSERT OR IGNORE INTO `campaigns` (`id`, `version`, `body`) VALUES (?, 1, ?)"
	sqliteUpdate = "UPDATE `campaigns` SET `version` = `version` + 1, `body` = ? " +
		"WHERE `id` = ? AND `version` = ?"
	sqliteVersion = "SELECT `version` FROM `campaigns` WHERE `id` = ?"
	sqliteIDs     = "SELECT `id` FROM `campaigns` ORDER BY `id`"
)

// SQLiteStore keeps campaign records in a sqlite table and implements the
// swap as an optimistic `UPDATE ... WHERE version = ?`.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the ledger database at path.
func OpenSQLiteStore(path string) (s *SQLiteStore, err error) {
	path = utils.HomeDirExpand(path)
	if err = utils.EnsureParentDir(path); err != nil {
		err = errors.Wrap(err, "create ledger directory failed")
		return
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		err = errors.Wrapf(err, "open ledger %s failed", path)
		return
	}
	// the driver only guarantees safe concurrent readers
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(sqliteSchema); err != nil {
		db.Close()
		err = errors.Wrap(err, "init ledger table failed")
		return
	}
	s = &SQLiteStore{db: db}
	return
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(id string) (c *types.Campaign, version uint64, err error) {
	var body []byte
	if err = s.db.QueryRow(sqliteGet, id).Scan(&version, &body); err == sql.ErrNoRows {
		err = errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		return
	} else if err != nil {
		err = errors.Wrapf(err, "query campaign %s failed", id)
		return
	}
	var stored uint64
	if c, stored, err = decodeRecord(id, body); err != nil {
		return
	}
	if stored != version {
		err = errors.Wrapf(types.ErrCorruptedSnapshot,
			"campaign %s body version %d, row version %d", id, stored, version)
		c = nil
		return
	}
	return
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *SQLiteStore) CompareAndSwap(id string, expected uint64, c *types.Campaign) (version uint64, err error) {
	if err = checkWrite(id, c); err != nil {
		return
	}
	body, err := encodeRecord(expected+1, c)
	if err != nil {
		return
	}

	var result sql.Result
	if expected == 0 {
		result, err = s.db.Exec(sqliteInsert, id, body)
	} else {
		result, err = s.db.Exec(sqliteUpdate, body, id, expected)
	}
	if err != nil {
		err = errors.Wrapf(err, "write campaign %s failed", id)
		return
	}
	affected, err := result.RowsAffected()
	if err != nil {
		err = errors.Wrap(err, "read affected rows failed")
		return
	}
	if affected == 1 {
		version = expected + 1
		return
	}

	var current uint64
	if err = s.db.QueryRow(sqliteVersion, id).Scan(&current); err == sql.ErrNoRows {
		err = errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		return
	} else if err != nil {
		err = errors.Wrapf(err, "query campaign %s version failed", id)
		return
	}
	err = errors.Wrapf(types.ErrConcurrentModification,
		"campaign %s at version %d, expected %d", id, current, expected)
	return
}

// IDs implements Store.IDs.
func (s *SQLiteStore) IDs() (ids []string, err error) {
	rows, err := s.db.Query(sqliteIDs)
	if err != nil {
		err = errors.Wrap(err, "list campaigns failed")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	return
}

// Close implements Store.Close.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
