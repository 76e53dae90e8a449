//go:build integration

package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	httpserver "homewatch/internal/adapters/http_server"
	redisad "homewatch/internal/adapters/redis"
	"homewatch/internal/app"
	"homewatch/internal/domain"
	mysqlrepo "homewatch/internal/storage/mysql"
)

// staticSource replays a fixed API batch on every run.
type staticSource struct{ batch domain.Batch }

func (s staticSource) Kind() domain.SourceKind { return domain.SourceAPI }
func (s staticSource) Fetch(context.Context, domain.QueryParameters) (domain.Batch, error) {
	return s.batch, nil
}

func apiRecord(code, addr string, price float64) domain.RawRecord {
	return domain.RawRecord{Kind: domain.SourceAPI, Fields: map[string]any{
		"propertyCode": code,
		"address":      addr,
		"price":        price,
		"size":         72.0,
		"url":          "/inmueble/" + code + "/",
	}}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env:        []string{"MYSQL_ROOT_PASSWORD=root", "MYSQL_DATABASE=homewatch"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/homewatch?parseTime=true&charset=utf8mb4&loc=UTC",
		resource.GetPort("3306/tcp"))
	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		if db, e = sql.Open("mysql", dsn); e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestE2E_RunThenServe(t *testing.T) {
	db := startMySQL(t)
	repo := mysqlrepo.New(db)
	ctx := context.Background()
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	src := staticSource{batch: domain.Batch{Records: []domain.RawRecord{
		apiRecord("9001", "Calle Mayor 1", 1200),
		apiRecord("9002", "Calle Toledo 5", 950),
		apiRecord("9001", "Calle Mayor 1", 1200),
	}}}
	p := app.NewPipeline(app.Deps{
		Source:     src,
		Store:      repo,
		Normalizer: app.NewNormalizer("https://www.idealista.com"),
	})
	in := domain.QueryInput{Center: "40.4167,-3.70325", Distance: 3000, Type: domain.ListingRent, PriceMax: 1500}

	first, err := p.Run(ctx, in)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.New != 2 || first.Duplicates != 1 {
		t.Fatalf("first run summary: %s", first)
	}
	second, err := p.Run(ctx, in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.New != 0 || second.Duplicates != 3 {
		t.Fatalf("second run summary: %s", second)
	}

	var runs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingest_runs").Scan(&runs); err != nil || runs != 2 {
		t.Fatalf("ingest_runs=%d err=%v", runs, err)
	}

	mr := miniredis.RunT(t)
	cache := redisad.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = cache.Close() })

	srv := httpserver.New(nil)
	srv.MountHandlers(&httpserver.Handlers{Q: app.NewQueryService(repo, cache, time.Minute)})
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	res, err := http.Get(ts.URL + "/v1/listings/9001")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET listing status %d", res.StatusCode)
	}
	var l domain.Listing
	if err := json.NewDecoder(res.Body).Decode(&l); err != nil {
		t.Fatal(err)
	}
	if l.Price != "1,200 €" || l.Link != "https://www.idealista.com/inmueble/9001/" {
		t.Fatalf("unexpected listing: %+v", l)
	}

	res2, err := http.Get(ts.URL + "/v1/listings?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	var page struct {
		Items      []domain.Listing `json:"items"`
		NextCursor *string          `json:"next_cursor"`
	}
	if err := json.NewDecoder(res2.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor == nil {
		t.Fatalf("unexpected first page: %+v", page)
	}
}
