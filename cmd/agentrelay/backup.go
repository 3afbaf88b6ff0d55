package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/queue"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// archiveFile is one file in a backup: where it lives and its name inside
// the archive.
type archiveFile struct {
	Path string
	Name string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, delivery journal and retry queues",
		Long: `Creates a compressed .tar.gz archive containing the configuration file,
the sqlite delivery journal and every account's retry queue file. Stop the
relay first for a consistent snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("agentrelay-backup-%s.tar.gz", ts))
			}

			files := backupFiles(cfg, cfgPath)
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up")
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f.Path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", f.Name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.agentrelay/backups/agentrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

// backupFiles lists the files that exist on disk and belong in a backup.
func backupFiles(cfg *config.Config, cfgPath string) []archiveFile {
	var files []archiveFile
	add := func(p, name string) {
		if _, err := os.Stat(p); err == nil {
			files = append(files, archiveFile{Path: p, Name: name})
		}
	}

	add(cfgPath, "config"+filepath.Ext(cfgPath))
	if cfg.Journal.DBPath != "" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			add(cfg.Journal.DBPath+suffix, "journal.db"+suffix)
		}
	}
	for _, a := range cfg.Accounts {
		add(filepath.Join(cfg.AccountDir(a.ID), queue.FileName), path.Join("accounts", a.ID, queue.FileName))
	}
	return files
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the config, journal and retry queues from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
				cfg.Journal.DBPath = config.ExpandPath(cfg.Journal.DBPath)
			}

			if !force {
				if _, err := os.Stat(cfgPath); err == nil {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("  Journal:  %s\n", cfg.Journal.DBPath)
					fmt.Printf("  Accounts: %s\n", filepath.Join(cfg.General.DataDir, "accounts"))
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], func(name string) (string, bool) {
				return restoreTarget(cfg, cfgPath, name)
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
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

// restoreTarget maps an archive entry back to its location on disk. Unknown
// entries and anything that could escape the account directory are skipped.
func restoreTarget(cfg *config.Config, cfgPath, name string) (string, bool) {
	name = path.Clean(name)
	switch {
	case strings.HasPrefix(name, "config."):
		return cfgPath, true
	case name == "journal.db", name == "journal.db-wal", name == "journal.db-shm":
		return cfg.Journal.DBPath + strings.TrimPrefix(name, "journal.db"), true
	}

	parts := strings.Split(name, "/")
	if len(parts) == 3 && parts[0] == "accounts" && parts[2] == queue.FileName &&
		parts[1] != "" && parts[1] != "." && parts[1] != ".." && !strings.ContainsAny(parts[1], `\:`) {
		return filepath.Join(cfg.AccountDir(parts[1]), queue.FileName), true
	}
	return "", false
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []archiveFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.Path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, f archiveFile) error {
	file, err := os.Open(f.Path)
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
	header.Name = f.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every regular entry that target maps to a path.
func extractTarGz(archivePath string, target func(name string) (string, bool)) ([]string, error) {
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
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := target(header.Name)
		if !ok {
			logger.Warn("skipping unknown backup entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
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
