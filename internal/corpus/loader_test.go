package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ara-campus/ara/pkg/config"
	apperrors "github.com/ara-campus/ara/pkg/errors"
	"github.com/ara-campus/ara/pkg/postgres"
	"github.com/ara-campus/ara/pkg/redis"
)

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("b_library.txt", "\n도서관 이용 안내\n평일 9시부터 22시까지")
	write("a_contacts.md", "# 캠퍼스 연락처\n학생지원팀 051-410-0000")
	write("ignored.json", `{"x":1}`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.txt"), 0o755))

	docs, err := DirLoader{Dir: dir}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a_contacts", docs[0].ID)
	assert.Equal(t, "캠퍼스 연락처", docs[0].Title)
	assert.Equal(t, "b_library", docs[1].ID)
	assert.Equal(t, "도서관 이용 안내", docs[1].Title)
	assert.Equal(t, "b_library.txt", docs[1].Source)

	_, err = DirLoader{Dir: filepath.Join(dir, "missing")}.Load(context.Background())
	assert.Error(t, err)
}

func TestRedisLoader(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	loader := RedisLoader{Client: client, Key: "corpus:documents"}
	require.NoError(t, loader.Store(context.Background(), []Document{
		{ID: "library", Title: "도서관", Text: "도서관 운영 시간", Source: "scraper", Vector: []float32{1}},
	}))
	mr.HSet("corpus:documents", "shuttle", "셔틀버스 시간표\n20분 간격")

	docs, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, Document{ID: "library", Title: "도서관", Text: "도서관 운영 시간", Source: "scraper"}, docs[0])
	assert.Equal(t, "shuttle", docs[1].ID)
	assert.Equal(t, "셔틀버스 시간표", docs[1].Title)
	assert.Equal(t, "redis", docs[1].Source)

	var stored Document
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("corpus:documents", "library")), &stored))
	assert.Nil(t, stored.Vector)

	empty, err := RedisLoader{Client: client, Key: "nothing"}.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresLoaderLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentsSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "title", "body", "source"}).
			AddRow("library", "도서관", "도서관 운영 시간", "scraper").
			AddRow("contacts", nil, "학생지원팀 051-410-0000", nil),
	)

	docs, err := PostgresLoader{Client: postgres.Wrap(db)}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "library", docs[0].ID)
	assert.Equal(t, "", docs[1].Title)
	assert.Equal(t, "학생지원팀 051-410-0000", docs[1].Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoaderQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(selectDocumentsSQL)).WillReturnError(errors.New("relation does not exist"))
	_, err = PostgresLoader{Client: postgres.Wrap(db)}.Load(context.Background())
	assert.ErrorContains(t, err, "relation does not exist")
}

func TestPostgresLoaderStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO corpus_documents"))
	prep.ExpectExec().WithArgs("a", "A", "text a", "dir", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("b", "", "text b", "", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = PostgresLoader{Client: postgres.Wrap(db)}.Store(context.Background(), []Document{
		{ID: "a", Title: "A", Text: "text a", Source: "dir"},
		{ID: "b", Text: "text b"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoaderStoreRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO corpus_documents"))
	prep.ExpectExec().WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err = PostgresLoader{Client: postgres.Wrap(db)}.Store(context.Background(), []Document{{ID: "a", Text: "x"}})
	assert.ErrorContains(t, err, "constraint violation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoteEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		// answer out of order to check index mapping
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,3,4]},{"index":0,"embedding":[2,0,0]}]}`))
	}))
	defer srv.Close()

	e := NewRemoteEmbedder(config.EmbedderConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "text-embedding-3-small", Dimension: 3}, srv.Client())
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.InDelta(t, 0.6, vecs[1][1], 1e-6)
	assert.InDelta(t, 0.8, vecs[1][2], 1e-6)
}

func TestRemoteEmbedderFailures(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, err := NewRemoteEmbedder(config.EmbedderConfig{BaseURL: srv.URL}, nil).Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, apperrors.ErrNoCredential)

	e := NewRemoteEmbedder(config.EmbedderConfig{BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	status = http.StatusUnauthorized
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, apperrors.ErrNoCredential)

	status = http.StatusBadGateway
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(config.EmbedderConfig{Kind: "hash", Dimension: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, e.Dimension())

	_, err = NewEmbedder(config.EmbedderConfig{Kind: "word2vec"})
	assert.Error(t, err)
}

func TestHashEmbedderDeterministicAndNormalised(t *testing.T) {
	e := NewHashEmbedder(128)
	a, err := e.Embed(context.Background(), []string{"영도 날씨", "영도 날씨"})
	require.NoError(t, err)
	assert.Equal(t, a[0], a[1])
	assert.InDelta(t, 1.0, cosine(a[0], a[0]), 1e-6)

	b, err := e.Embed(context.Background(), []string{"영도의 날씨는"})
	require.NoError(t, err)
	assert.Greater(t, cosine(a[0], b[0]), 0.9, "particles must not defeat matching")
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("   ", 10, 2))
	assert.Equal(t, []string{"짧은 문서"}, Chunk("짧은 문서", 10, 2))

	text := "aaaa bbbb cccc dddd eeee ffff"
	chunks := Chunk(text, 10, 3)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Contains(t, chunks[len(chunks)-1], "ffff")

	docs := chunkDocuments([]Document{{ID: "x", Title: "T", Text: text}}, 10, 3)
	assert.Equal(t, "x#1", docs[0].ID)
	assert.Equal(t, "T", docs[1].Title)
}
