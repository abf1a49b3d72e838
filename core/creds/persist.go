package creds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

// Persist encodes the selected credential files, stores them through save,
// and verifies by loading the bundle back and re-checking every checksum.
// Failed rounds retry with exponential backoff.
func Persist(ctx context.Context, sid, authDir string, save SaveFunc, load LoadFunc, opts Options) Result {
	opts.normalize()
	start := time.Now()

	rawPaths, err := collectSelectedFiles(authDir)
	if err != nil {
		return Result{OK: false, Reason: "walk_failed"}
	}
	if len(rawPaths) == 0 {
		credsPath := filepath.Join(authDir, "creds.json")
		if _, err := os.Stat(credsPath); err == nil {
			rawPaths["creds.json"] = credsPath
		}
	}
	if len(rawPaths) == 0 {
		return Result{OK: false, Reason: "no_selected_files"}
	}

	checksums := make(map[string]string, len(rawPaths))
	encoded := make(map[string]string, len(rawPaths))
	var totalBytes int64
	for rel, abs := range rawPaths {
		ef, err := encodeFile(abs)
		if err != nil {
			return Result{OK: false, Reason: fmt.Sprintf("encode_failed:%s", rel)}
		}
		checksums[rel] = ef.checksum
		encoded[rel] = ef.b64
		totalBytes += ef.gzLen
	}

	finalMap := encoded
	finalTotal := totalBytes
	if finalTotal > opts.MaxBytes {
		finalMap, finalTotal = shrink(rawPaths, checksums, opts.MaxBytes)
		logger.Warn(ctx, "creds", "creds.shrink",
			slog.String("sid", sid),
			slog.Int64("bytes", totalBytes),
			slog.Int64("total_bytes", finalTotal),
			slog.Int("files", len(finalMap)),
		)
	}

	payload := &Payload{
		SelectedFiles: finalMap,
		Meta: Meta{
			Checksums:  checksums,
			TotalBytes: finalTotal,
			TS:         time.Now().UnixMilli(),
		},
	}

	var lastReason string
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		reason := saveAndVerify(ctx, sid, payload, save, load)
		if reason == "" {
			logger.Info(ctx, "creds", "creds.persist",
				slog.String("status", "ok"),
				slog.String("sid", sid),
				slog.Int("files", len(finalMap)),
				slog.Int64("total_bytes", finalTotal),
				slog.Int("attempt", attempt+1),
				slog.Duration("duration", logger.RoundMS(time.Since(start))),
			)
			return Result{OK: true}
		}
		lastReason = reason
		if attempt+1 >= opts.Attempts {
			break
		}

		delay := opts.BackoffBase * (1 << attempt)
		logger.Warn(ctx, "creds", "creds.persist",
			slog.String("status", "retry"),
			slog.String("sid", sid),
			slog.String("reason", reason),
			slog.Int("attempt", attempt+1),
			slog.Int("attempts", opts.Attempts),
			slog.Int64("backoff_ms", delay.Milliseconds()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{OK: false, Reason: "cancelled"}
		}
	}

	logger.Error(ctx, "creds", "creds.persist",
		slog.String("status", "fail"),
		slog.String("sid", sid),
		slog.String("reason", lastReason),
		slog.Int("attempts", opts.Attempts),
	)
	return Result{OK: false, Reason: lastReason}
}

// shrink re-encodes the essential subset when the full bundle exceeds the
// budget, falling back to creds.json alone. Checksums are pruned to match
// the chosen set.
func shrink(rawPaths, checksums map[string]string, maxBytes int64) (map[string]string, int64) {
	small := make(map[string]string)
	for rel, abs := range rawPaths {
		if essential(rel) {
			small[rel] = abs
		}
	}

	smallEncoded := make(map[string]string, len(small))
	var smallTotal int64
	for rel, abs := range small {
		ef, err := encodeFile(abs)
		if err != nil {
			continue
		}
		smallEncoded[rel] = ef.b64
		smallTotal += ef.gzLen
		checksums[rel] = ef.checksum
	}

	if smallTotal <= maxBytes && len(smallEncoded) > 0 {
		for k := range checksums {
			if _, keep := smallEncoded[k]; !keep {
				delete(checksums, k)
			}
		}
		return smallEncoded, smallTotal
	}

	if abs, ok := rawPaths["creds.json"]; ok {
		if ef, err := encodeFile(abs); err == nil {
			for k := range checksums {
				if k != "creds.json" {
					delete(checksums, k)
				}
			}
			checksums["creds.json"] = ef.checksum
			return map[string]string{"creds.json": ef.b64}, ef.gzLen
		}
	}
	return smallEncoded, smallTotal
}

func saveAndVerify(ctx context.Context, sid string, payload *Payload, save SaveFunc, load LoadFunc) string {
	if err := save(ctx, sid, payload); err != nil {
		return "save_failed"
	}

	loaded, err := load(ctx, sid)
	if err != nil {
		return "load_failed"
	}
	if loaded == nil {
		return "load_returned_null"
	}
	if loaded.SelectedFiles == nil || loaded.Meta.Checksums == nil {
		return "no_selected_files_in_db"
	}

	for rel, expected := range loaded.Meta.Checksums {
		b64, ok := loaded.SelectedFiles[rel]
		if !ok {
			return "missing_file_in_db"
		}
		match, err := verifyEncoded(b64, expected)
		if err != nil {
			return "verify_failed"
		}
		if !match {
			return "checksum_mismatch"
		}
	}
	return ""
}

// Restore materializes the stored bundle under authDir. Each file lands in
// place only after its plaintext checksum matches.
func Restore(ctx context.Context, sid, authDir string, load LoadFunc) Result {
	loaded, err := load(ctx, sid)
	if err != nil {
		return Result{OK: false, Reason: "load_failed"}
	}
	if loaded == nil {
		return Result{OK: false, Reason: "no_db_row"}
	}
	if loaded.SelectedFiles == nil || loaded.Meta.Checksums == nil {
		return Result{OK: false, Reason: "no_selected_files_in_db"}
	}

	start := time.Now()
	for rel, b64 := range loaded.SelectedFiles {
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return Result{OK: false, Reason: fmt.Sprintf("bad_path:%s", rel)}
		}
		abs := filepath.Join(authDir, filepath.FromSlash(rel))

		tmp, got, err := decodeToTemp(abs, b64)
		if err != nil {
			return Result{OK: false, Reason: fmt.Sprintf("write_failed:%s", rel)}
		}
		expect, ok := loaded.Meta.Checksums[rel]
		if !ok || got != expect {
			os.Remove(tmp)
			return Result{OK: false, Reason: fmt.Sprintf("checksum_mismatch:%s", rel)}
		}
		if err := os.Rename(tmp, abs); err != nil {
			os.Remove(tmp)
			return Result{OK: false, Reason: fmt.Sprintf("write_failed:%s", rel)}
		}
		_ = os.Chmod(abs, 0o600)
	}

	logger.Info(ctx, "creds", "creds.restore",
		slog.String("status", "ok"),
		slog.String("sid", sid),
		slog.Int("files", len(loaded.SelectedFiles)),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	return Result{OK: true}
}
