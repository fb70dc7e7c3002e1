package admin

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

const backupRetention = 7 * 24 * time.Hour

// BackupDatabase создаёт дамп базы: pg_dump для Postgres,
// копия файла для sqlite.
func BackupDatabase(filename, dsn, sqlitePath string) error {
	if dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename)
		return cmd.Run()
	}
	return copyFile(sqlitePath, filename)
}

// CleanOldBackups удаляет дампы старше retention.
func CleanOldBackups(dir string, retention time.Duration) error {
	files, err := filepath.Glob(filepath.Join(dir, "autobackup_*"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-retention)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(f)
		}
	}
	return nil
}

// AutoBackup запускает бэкап и чистку старых дампов; итог уходит админам.
func AutoBackup(backupDir, dsn, sqlitePath string, notify func(text string)) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		logger.Error("Ошибка создания директории бэкапов", zap.Error(err))
		return
	}

	ext := ".dump"
	if dsn == "" {
		ext = ".sqlite"
	}
	filename := filepath.Join(backupDir,
		"autobackup_"+time.Now().Format("20060102_150405")+ext)

	if err := BackupDatabase(filename, dsn, sqlitePath); err != nil {
		logger.Error("Ошибка резервного копирования", zap.Error(err))
		if notify != nil {
			notify("Ошибка резервного копирования: " + err.Error())
		}
		return
	}

	if err := CleanOldBackups(backupDir, backupRetention); err != nil {
		logger.Error("Ошибка чистки старых бэкапов", zap.Error(err))
	}
	logger.Info("Резервная копия создана", zap.String("file", filename))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("ошибка создания %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("ошибка копирования: %w", err)
	}
	return out.Sync()
}
