package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/cashback-engine/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `
	hash, kind, block_number, block_timestamp, week_id, token,
	amount_raw, amount, amount_usd, safe, gno_balance_raw, gno_balance, gno_usd_price`

func (r queries) TransactionExists(ctx context.Context, hash common.Hash) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE hash = ?",
		ledger.HashKey(hash),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return count > 0, nil
}

// InsertTransaction adds a transaction to the ledger. This is the only write
// on the transactions table.
func (r queries) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.q.ExecContext(ctx, query,
		ledger.HashKey(tx.Hash),
		string(tx.Kind),
		int64(tx.BlockNumber),
		tx.BlockTimestamp,
		string(tx.Week),
		ledger.AddressKey(tx.Token),
		bigString(tx.AmountRaw),
		tx.Amount,
		tx.AmountUSD,
		ledger.AddressKey(tx.Safe),
		bigString(tx.GnoBalanceRaw),
		tx.GnoBalance,
		tx.GnoUSDPrice,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (r queries) GetTransaction(ctx context.Context, hash common.Hash) (ledger.Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE hash = ?`,
		ledger.HashKey(hash))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txs[0], nil
}

func (r queries) SafeTransactions(ctx context.Context, safe common.Address) ([]ledger.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE safe = ? ORDER BY rowid ASC`,
		ledger.AddressKey(safe))
}

func (r queries) RecentTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 ORDER BY block_number DESC, rowid DESC LIMIT ?`,
		limit)
}

func (r queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx            ledger.Transaction
		hash          string
		kind          string
		blockNumber   int64
		week          string
		token         string
		amountRaw     string
		safe          string
		gnoBalanceRaw sql.NullString
	)

	err := rows.Scan(
		&hash, &kind, &blockNumber, &tx.BlockTimestamp, &week, &token,
		&amountRaw, &tx.Amount, &tx.AmountUSD, &safe, &gnoBalanceRaw, &tx.GnoBalance, &tx.GnoUSDPrice,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Hash = common.HexToHash(hash)
	tx.Kind = ledger.Kind(kind)
	tx.BlockNumber = uint64(blockNumber)
	tx.Week = ledger.WeekID(week)
	tx.Token = common.HexToAddress(token)
	tx.Safe = common.HexToAddress(safe)
	if tx.AmountRaw, err = parseBig(amountRaw); err != nil {
		return tx, err
	}
	if gnoBalanceRaw.Valid {
		if tx.GnoBalanceRaw, err = parseBig(gnoBalanceRaw.String); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// =============================================================================
// SAFES
// =============================================================================

func (r queries) GetSafe(ctx context.Context, addr common.Address) (ledger.Safe, error) {
	var (
		safe         ledger.Safe
		address      string
		ownersJSON   string
		isOG         bool
		transactions string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT address, gno_balance, net_usd_volume, owners_json, is_og, transactions_json
		FROM safes WHERE address = ?`,
		ledger.AddressKey(addr),
	).Scan(&address, &safe.GnoBalance, &safe.NetUSDVolume, &ownersJSON, &isOG, &transactions)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Safe{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Safe{}, fmt.Errorf("failed to get safe: %w", err)
	}

	safe.Address = common.HexToAddress(address)
	safe.IsOG = isOG
	if safe.Owners, err = decodeAddresses(ownersJSON); err != nil {
		return ledger.Safe{}, err
	}
	if safe.Transactions, err = decodeHashes(transactions); err != nil {
		return ledger.Safe{}, err
	}
	return safe, nil
}

func (r queries) ListSafes(ctx context.Context) ([]common.Address, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT address FROM safes ORDER BY address ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list safes: %w", err)
	}
	defer rows.Close()

	var result []common.Address
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("failed to scan safe: %w", err)
		}
		result = append(result, common.HexToAddress(address))
	}
	return result, rows.Err()
}

func (r queries) GetOrCreateSafe(ctx context.Context, addr common.Address) (ledger.Safe, error) {
	def := ledger.NewSafe(addr)
	_, err := r.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO safes
		(address, gno_balance, net_usd_volume, owners_json, is_og, transactions_json)
		VALUES (?, ?, ?, '[]', 0, '[]')`,
		ledger.AddressKey(addr), def.GnoBalance, def.NetUSDVolume,
	)
	if err != nil {
		return ledger.Safe{}, fmt.Errorf("failed to create safe: %w", err)
	}
	return r.GetSafe(ctx, addr)
}

func (r queries) PutSafe(ctx context.Context, s ledger.Safe) error {
	owners, err := encodeAddresses(s.Owners)
	if err != nil {
		return err
	}
	transactions, err := encodeHashes(s.Transactions)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO safes
		(address, gno_balance, net_usd_volume, owners_json, is_og, transactions_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			gno_balance = excluded.gno_balance,
			net_usd_volume = excluded.net_usd_volume,
			owners_json = excluded.owners_json,
			is_og = excluded.is_og,
			transactions_json = excluded.transactions_json`,
		ledger.AddressKey(s.Address), s.GnoBalance, s.NetUSDVolume, owners, s.IsOG, transactions,
	)
	if err != nil {
		return fmt.Errorf("failed to save safe: %w", err)
	}
	return nil
}

// =============================================================================
// WEEK REWARDS
// =============================================================================

const weekRewardColumns = `
	week_id, safe, net_usd_volume, max_gno_balance, min_gno_balance,
	estimated_reward, earned_reward, transactions_json, balance_snapshots_json`

func (r queries) GetWeekReward(ctx context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	list, err := r.queryWeekRewards(ctx,
		`SELECT `+weekRewardColumns+` FROM week_rewards WHERE id = ?`,
		ledger.WeekRewardID(week, safe))
	if err != nil {
		return ledger.WeekReward{}, err
	}
	if len(list) == 0 {
		return ledger.WeekReward{}, ledger.ErrNotFound
	}
	return list[0], nil
}

func (r queries) WeekRewards(ctx context.Context, week ledger.WeekID) ([]ledger.WeekReward, error) {
	return r.queryWeekRewards(ctx,
		`SELECT `+weekRewardColumns+` FROM week_rewards WHERE week_id = ? ORDER BY id ASC`,
		string(week))
}

func (r queries) GetOrCreateWeekReward(ctx context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	def := ledger.NewWeekReward(week, safe)
	_, err := r.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO week_rewards (id, `+weekRewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '[]', '[]')`,
		def.ID(), string(week), ledger.AddressKey(safe),
		def.NetUSDVolume, def.MaxGnoBalance, def.MinGnoBalance, def.EstimatedReward,
	)
	if err != nil {
		return ledger.WeekReward{}, fmt.Errorf("failed to create week reward: %w", err)
	}
	return r.GetWeekReward(ctx, week, safe)
}

func (r queries) PutWeekReward(ctx context.Context, wr ledger.WeekReward) error {
	transactions, err := encodeHashes(wr.Transactions)
	if err != nil {
		return err
	}
	snapshots, err := encodeStrings(wr.BalanceSnapshots)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO week_rewards (id, `+weekRewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			net_usd_volume = excluded.net_usd_volume,
			max_gno_balance = excluded.max_gno_balance,
			min_gno_balance = excluded.min_gno_balance,
			estimated_reward = excluded.estimated_reward,
			earned_reward = excluded.earned_reward,
			transactions_json = excluded.transactions_json,
			balance_snapshots_json = excluded.balance_snapshots_json`,
		wr.ID(), string(wr.Week), ledger.AddressKey(wr.Safe),
		wr.NetUSDVolume, wr.MaxGnoBalance, wr.MinGnoBalance, wr.EstimatedReward,
		wr.EarnedReward, transactions, snapshots,
	)
	if err != nil {
		return fmt.Errorf("failed to save week reward: %w", err)
	}
	return nil
}

func (r queries) queryWeekRewards(ctx context.Context, query string, args ...any) ([]ledger.WeekReward, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query week rewards: %w", err)
	}
	defer rows.Close()

	var result []ledger.WeekReward
	for rows.Next() {
		var (
			wr           ledger.WeekReward
			week         string
			safe         string
			transactions string
			snapshots    string
		)
		err := rows.Scan(&week, &safe, &wr.NetUSDVolume, &wr.MaxGnoBalance, &wr.MinGnoBalance,
			&wr.EstimatedReward, &wr.EarnedReward, &transactions, &snapshots)
		if err != nil {
			return nil, fmt.Errorf("failed to scan week reward: %w", err)
		}
		wr.Week = ledger.WeekID(week)
		wr.Safe = common.HexToAddress(safe)
		if wr.Transactions, err = decodeHashes(transactions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snapshots), &wr.BalanceSnapshots); err != nil {
			return nil, fmt.Errorf("failed to decode balance snapshots: %w", err)
		}
		result = append(result, wr)
	}
	return result, rows.Err()
}

// =============================================================================
// WEEK METRICS
// =============================================================================

func (r queries) GetWeekMetrics(ctx context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	var transactions string
	err := r.q.QueryRowContext(ctx,
		"SELECT transactions_json FROM week_metrics WHERE week_id = ?",
		string(week),
	).Scan(&transactions)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WeekMetrics{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.WeekMetrics{}, fmt.Errorf("failed to get week metrics: %w", err)
	}

	m := ledger.WeekMetrics{Week: week}
	if m.Transactions, err = decodeHashes(transactions); err != nil {
		return ledger.WeekMetrics{}, err
	}
	return m, nil
}

func (r queries) GetOrCreateWeekMetrics(ctx context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	_, err := r.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO week_metrics (week_id, transactions_json) VALUES (?, '[]')",
		string(week),
	)
	if err != nil {
		return ledger.WeekMetrics{}, fmt.Errorf("failed to create week metrics: %w", err)
	}
	return r.GetWeekMetrics(ctx, week)
}

func (r queries) PutWeekMetrics(ctx context.Context, m ledger.WeekMetrics) error {
	transactions, err := encodeHashes(m.Transactions)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO week_metrics (week_id, transactions_json) VALUES (?, ?)
		ON CONFLICT(week_id) DO UPDATE SET transactions_json = excluded.transactions_json`,
		string(m.Week), transactions,
	)
	if err != nil {
		return fmt.Errorf("failed to save week metrics: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func bigString(x *big.Int) sql.NullString {
	if x == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: x.String(), Valid: true}
}

func parseBig(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return x, nil
}

func encodeAddresses(list []common.Address) (string, error) {
	keys := make([]string, len(list))
	for i, a := range list {
		keys[i] = ledger.AddressKey(a)
	}
	return encodeStrings(keys)
}

func decodeAddresses(raw string) ([]common.Address, error) {
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("failed to decode address list: %w", err)
	}
	result := make([]common.Address, len(keys))
	for i, k := range keys {
		result[i] = common.HexToAddress(k)
	}
	return result, nil
}

func encodeHashes(list []common.Hash) (string, error) {
	keys := make([]string, len(list))
	for i, h := range list {
		keys[i] = ledger.HashKey(h)
	}
	return encodeStrings(keys)
}

func decodeHashes(raw string) ([]common.Hash, error) {
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("failed to decode hash list: %w", err)
	}
	result := make([]common.Hash, len(keys))
	for i, k := range keys {
		result[i] = common.HexToHash(k)
	}
	return result, nil
}

func encodeStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

var (
	_ ledger.Store  = (*txStore)(nil)
	_ ledger.Reader = queries{}
)
