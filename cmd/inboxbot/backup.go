package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inboxbot/internal/config"
	"inboxbot/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	backupDBName  = "inboxbot.db"
	backupEnvName = "inboxbot.env"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the message store and env file",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot
of the SQLite message store and the env file. Safe to run while the
server is up. The KV store is not included; it only holds expiring state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(filepath.Dir(cfg.Storage.DBPath), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("inboxbot-backup-%s.tar.gz", ts))
			}

			tmpDir, err := os.MkdirTemp("", "inboxbot-backup")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			files := map[string]string{} // archive name -> source
			snapshot := filepath.Join(tmpDir, backupDBName)
			if err := snapshotDatabase(cfg.Storage.DBPath, snapshot); err != nil {
				return fmt.Errorf("snapshot database: %w", err)
			}
			files[backupDBName] = snapshot
			if config.EnvFileExists(envFile) {
				files[backupEnvName] = envFile
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for name, src := range files {
				size := uint64(0)
				if info, err := os.Stat(src); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <db dir>/backups/inboxbot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the message store from a backup archive",
		Long: `Restores the SQLite message store and env file from an archive
created by 'inboxbot backup'. Stop the server first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			dbPath := cfg.Storage.DBPath

			if !force {
				existing := false
				if _, err := os.Stat(dbPath); err == nil {
					existing = true
				}
				if config.EnvFileExists(envFile) {
					existing = true
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Env file: %s\n", envFile)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], map[string]string{
				backupDBName:  dbPath,
				backupEnvName: envFile,
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL from the replaced database must not be replayed.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// snapshotDatabase writes a consistent copy of the live database to dst.
func snapshotDatabase(dbPath, dst string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return err
	}
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = store.DB().ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

// createTarGz creates a .tar.gz archive; files maps archive names to
// source paths.
func createTarGz(outputPath string, files map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for name, src := range files {
		if err := addFileToTar(tarWriter, name, src); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the archive entries named in targets. Unknown
// entries are skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok || strings.Contains(header.Name, "..") {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}
