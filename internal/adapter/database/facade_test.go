// file: internal/adapter/database/facade_test.go

package database

import (
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// newEmbeddedFacade 在临时目录中打开一个真实的 SQLite 文件并包装成 Facade
func newEmbeddedFacade(t *testing.T) (*Facade, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, embeddedPragma))
	require.NoError(t, err, "无法打开测试数据库")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	sel := NewFixedSelector(&Backend{
		Descriptor: domain.BackendDescriptor{Kind: domain.BackendLocalEmbedded, Location: path},
		DB:         db,
	})
	return NewFacade(sel, NewTranslator(NewUniqueKeys(Tables())), WithRetryBackoff(0)), db
}

// newNetworkedMock 返回一个以 sqlmock 扮演 PostgreSQL 的 Facade，SQL 按全文精确匹配
func newNetworkedMock(t *testing.T) (*Facade, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err, "初始化 sqlmock 失败")
	t.Cleanup(func() { _ = db.Close() })

	sel := NewFixedSelector(&Backend{
		Descriptor: domain.BackendDescriptor{Kind: domain.BackendNetworked, Location: "postgres://mock"},
		DB:         db,
	})
	return NewFacade(sel, NewTranslator(NewUniqueKeys(Tables())), WithRetryBackoff(time.Millisecond)), mock
}

const testUsersDDL = `CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT NOT NULL UNIQUE, email TEXT)`

func TestFacade_SelectOneWithoutNetworkConfig(t *testing.T) {
	sel := NewSelector(testDBConfig(t, "facade-e2e"))
	t.Cleanup(func() { _ = sel.Close() })
	require.NotNil(t, sel.Select(context.Background()))

	f := NewFacade(sel, nil)
	rows, err := f.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].At(0))
	assert.Equal(t, domain.BackendLocalEmbedded, f.Backend().Kind)
	assert.NoError(t, f.Ping(context.Background()))
}

func TestFacade_NoBackend(t *testing.T) {
	f := NewFacade(NewSelector(testDBConfig(t, "facade-none")), nil)
	_, err := f.Execute(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, port.ErrConnectionUnavailable)
	assert.Equal(t, domain.BackendDescriptor{}, f.Backend())
}

func TestFacade_Embedded(t *testing.T) {
	ctx := context.Background()
	f, _ := newEmbeddedFacade(t)

	_, err := f.ExecuteWrite(ctx, testUsersDDL)
	require.NoError(t, err)
	_, err = f.ExecuteWrite(ctx, "CREATE TABLE study_list (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, word TEXT, UNIQUE (user_id, word))")
	require.NoError(t, err)

	t.Run("重复的 insert-or-ignore 不报错也不新增行", func(t *testing.T) {
		q := "INSERT OR IGNORE INTO study_list (user_id, word) VALUES (?, ?)"
		n, err := f.ExecuteWrite(ctx, q, 1, "hola")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = f.ExecuteWrite(ctx, q, 1, "hola")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		row, ok, err := f.ExecuteOne(ctx, "SELECT COUNT(*) AS c FROM study_list")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), row.Int64("c", -1))
	})

	t.Run("约束冲突以分类错误返回", func(t *testing.T) {
		_, err := f.ExecuteWrite(ctx, "INSERT INTO users (username) VALUES (?)", "alice")
		require.NoError(t, err)
		_, err = f.ExecuteWrite(ctx, "INSERT INTO users (username) VALUES (?)", "alice")
		require.ErrorIs(t, err, port.ErrConstraintViolation)

		var de *Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, domain.BackendLocalEmbedded, de.Backend)
	})

	t.Run("缺失列归类为结构不匹配", func(t *testing.T) {
		_, err := f.Execute(ctx, "SELECT nope FROM users")
		require.ErrorIs(t, err, port.ErrSchemaMismatch)
	})

	t.Run("WithTx 出错时整体回滚", func(t *testing.T) {
		errBiz := errors.New("业务校验失败")
		err := f.WithTx(ctx, func(s port.Session) error {
			if _, err := s.ExecuteWrite(ctx, "INSERT INTO users (username) VALUES (?)", "bob"); err != nil {
				return err
			}
			return errBiz
		})
		require.ErrorIs(t, err, errBiz)

		_, found, err := f.ExecuteOne(ctx, "SELECT id FROM users WHERE username = ?", "bob")
		require.NoError(t, err)
		assert.False(t, found, "回滚后不应留下数据")
	})

	t.Run("WithTx 成功时提交", func(t *testing.T) {
		err := f.WithTx(ctx, func(s port.Session) error {
			if _, err := s.ExecuteWrite(ctx, "INSERT INTO users (username) VALUES (?)", "carol"); err != nil {
				return err
			}
			row, ok, err := s.ExecuteOne(ctx, "SELECT COUNT(*) AS c FROM users WHERE username = ?", "carol")
			if err != nil {
				return err
			}
			assert.True(t, ok)
			assert.Equal(t, int64(1), row.Int64("c", 0))
			assert.Equal(t, domain.BackendLocalEmbedded, s.Backend().Kind)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("网络端专用语句在嵌入式后端上跳过", func(t *testing.T) {
		rows, err := f.Execute(ctx, "SET statement_timeout = 1000")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestFacade_TransientRetriedOnce(t *testing.T) {
	f, mock := newNetworkedMock(t)
	drop := &pq.Error{Code: "08006", Message: "connection failure"}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT word FROM study_list WHERE user_id = $1").WithArgs(7).WillReturnError(drop)
		mock.ExpectRollback()
	}

	_, err := f.Execute(context.Background(), "SELECT word FROM study_list WHERE user_id = ?", 7)
	require.ErrorIs(t, err, port.ErrTransientBackend)

	var pqErr *pq.Error
	assert.ErrorAs(t, err, &pqErr, "驱动原始错误应可取到")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFacade_TransientRecovers(t *testing.T) {
	f, mock := newNetworkedMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1").WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	mock.ExpectCommit()

	require.NoError(t, f.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFacade_AcquisitionFailureIsUnavailable(t *testing.T) {
	f, mock := newNetworkedMock(t)
	refused := &pq.Error{Code: "57P03", Message: "the database system is starting up"}

	mock.ExpectBegin().WillReturnError(refused)
	mock.ExpectBegin().WillReturnError(refused)

	_, err := f.ExecuteWrite(context.Background(), "DELETE FROM notifications WHERE id = ?", 1)
	require.ErrorIs(t, err, port.ErrConnectionUnavailable)
	assert.NotErrorIs(t, err, port.ErrTransientBackend)

	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("57P03"), pqErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFacade_ConstraintNotRetried(t *testing.T) {
	f, mock := newNetworkedMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users (username, email) VALUES ($1, $2)").
		WithArgs("alice", "a@example.com").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := f.ExecuteWrite(context.Background(), "INSERT INTO users (username, email) VALUES (?, ?)", "alice", "a@example.com")
	require.ErrorIs(t, err, port.ErrConstraintViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFacade_SchemaMismatchRepairsOnce(t *testing.T) {
	const q = "SELECT achievement_name, description FROM achievements WHERE user_id = $1"
	missing := &pq.Error{Code: "42703", Message: `column "description" does not exist`}

	t.Run("修复后重试成功", func(t *testing.T) {
		f, mock := newNetworkedMock(t)
		repairs := 0
		f.OnSchemaMismatch(func(ctx context.Context) error {
			repairs++
			assert.False(t, repairAllowed(ctx), "修复过程中不应再次触发修复")
			return nil
		})

		mock.ExpectBegin()
		mock.ExpectQuery(q).WithArgs(3).WillReturnError(missing)
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectQuery(q).WithArgs(3).WillReturnRows(
			sqlmock.NewRows([]string{"achievement_name", "description"}).AddRow("Word Collector", "Learned 10 words"))
		mock.ExpectCommit()

		rows, err := f.Execute(context.Background(), "SELECT achievement_name, description FROM achievements WHERE user_id = ?", 3)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Learned 10 words", rows[0].String("description", ""))
		assert.Equal(t, 1, repairs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("修复后仍失败则上抛", func(t *testing.T) {
		f, mock := newNetworkedMock(t)
		repairs := 0
		f.OnSchemaMismatch(func(context.Context) error { repairs++; return nil })

		for i := 0; i < 2; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery(q).WithArgs(3).WillReturnError(missing)
			mock.ExpectRollback()
		}

		_, err := f.Execute(context.Background(), "SELECT achievement_name, description FROM achievements WHERE user_id = ?", 3)
		require.ErrorIs(t, err, port.ErrSchemaMismatch)
		assert.Equal(t, 1, repairs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("没有修复回调时直接上抛", func(t *testing.T) {
		f, mock := newNetworkedMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q).WithArgs(3).WillReturnError(missing)
		mock.ExpectRollback()

		_, err := f.Execute(context.Background(), "SELECT achievement_name, description FROM achievements WHERE user_id = ?", 3)
		require.ErrorIs(t, err, port.ErrSchemaMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFacade_CancelledContextNotRetried(t *testing.T) {
	f, mock := newNetworkedMock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Execute(ctx, "SELECT 1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "调用方取消后不应发出任何语句")
}

func TestFacade_TranslatesUpsertForNetworked(t *testing.T) {
	f, mock := newNetworkedMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO study_list (user_id, word, language) VALUES ($1, $2, $3) ON CONFLICT (user_id, word) DO NOTHING").
		WithArgs(1, "hola", "spanish").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := f.ExecuteWrite(context.Background(),
		"INSERT OR IGNORE INTO study_list (user_id, word, language) VALUES (?, ?, ?)", 1, "hola", "spanish")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// swapConnector 在第一次建立连接时执行 onConnect，然后报告坏连接。
// 用来模拟请求拿到旧后端快照后，另一个请求完成了重新选择并关闭了旧连接池。
type swapConnector struct {
	onConnect func()
}

func (c *swapConnector) Connect(context.Context) (driver.Conn, error) {
	if c.onConnect != nil {
		fn := c.onConnect
		c.onConnect = nil
		fn()
	}
	return nil, driver.ErrBadConn
}

func (c *swapConnector) Driver() driver.Driver { return swapDriver{} }

type swapDriver struct{}

func (swapDriver) Open(string) (driver.Conn, error) { return nil, driver.ErrBadConn }

func TestFacade_ClosedPoolAfterReselectRetriesOnNewBackend(t *testing.T) {
	_, fresh := newEmbeddedFacade(t)
	next := &Backend{
		Descriptor: domain.BackendDescriptor{Kind: domain.BackendLocalEmbedded, Location: "next"},
		DB:         fresh,
	}

	sel := &Selector{}
	connector := &swapConnector{}
	stale := &Backend{
		Descriptor: domain.BackendDescriptor{Kind: domain.BackendNetworked, Location: "postgres://stale"},
		DB:         sql.OpenDB(connector),
	}
	connector.onConnect = func() {
		// 与 Reselect 相同的顺序：先安装新后端，再关闭旧连接池
		sel.install(next)
		require.NoError(t, stale.DB.Close())
	}
	sel.current.Store(stale)

	f := NewFacade(sel, NewTranslator(NewUniqueKeys(Tables())), WithRetryBackoff(0))
	rows, err := f.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err, "旧连接池被关闭应视为暂时性故障并在新后端上重试")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].At(0))
	assert.Equal(t, "next", f.Backend().Location)
}

func TestFacade_ClosedPoolIsUnavailable(t *testing.T) {
	f, db := newEmbeddedFacade(t)
	require.NoError(t, db.Close())

	_, err := f.Execute(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, port.ErrConnectionUnavailable)
	assert.NotErrorIs(t, err, port.ErrStatementRejected)
}
