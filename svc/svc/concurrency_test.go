package svc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clipsync/cfg"
	"clipsync/pkg/domain"
	"clipsync/svc/db"
	"clipsync/svc/util"
)

func TestConcurrentCreates(t *testing.T) {
	links, err := util.NewLinkSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "clip.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer sqlDB.Close()
	c := &cfg.Cfg{LinkTTL: time.Minute, MaxTextSize: 1024, MaxUploadSize: 1024}
	stores := map[string]Store{"memory": db.NewMemory(), "sqlite": sqlDB}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			clip := NewClipboard(store, links, c)
			ctx := context.Background()
			var wg sync.WaitGroup
			var failures int64
			const workers = 50
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					owner := "user-" + fmt.Sprint(idx%5)
					var err error
					if idx%2 == 0 {
						_, err = clip.CreateText(ctx, owner, domain.TextParams{MarkdownContent: fmt.Sprintf("note %d", idx)})
					} else {
						_, err = clip.CreateFile(ctx, owner, domain.FileParams{
							FileName: "f.txt",
							Size:     3,
							Content:  strings.NewReader("abc"),
						})
					}
					if err != nil {
						atomic.AddInt64(&failures, 1)
					}
				}(i)
			}
			wg.Wait()
			if failures > 0 {
				t.Fatalf("%d of %d concurrent creates failed", failures, workers)
			}
			total := 0
			for i := 0; i < 5; i++ {
				items, err := clip.List(ctx, "user-"+fmt.Sprint(i))
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				total += len(items)
			}
			if total != workers {
				t.Errorf("listed %d items, want %d", total, workers)
			}
		})
	}
}
