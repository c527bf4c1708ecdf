package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cumulusbd/cumulus/pkg/blocktree"
	"github.com/cumulusbd/cumulus/pkg/lock"
	"github.com/cumulusbd/cumulus/pkg/log"
	"github.com/cumulusbd/cumulus/pkg/server"
	"github.com/cumulusbd/cumulus/pkg/settings"
	"github.com/cumulusbd/cumulus/pkg/stats"
	"github.com/cumulusbd/cumulus/pkg/store"
	"github.com/cumulusbd/cumulus/pkg/volume"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cumulus",
	Short: "Cumulus - serve object-store buckets as local block devices",
	Long: `Cumulus exposes a bucket in an object store as a sparse block device
over the NBD protocol. Blocks are stored as individually encrypted,
checksummed and optionally compressed objects under a per-volume
prefix, so the provider only ever sees ciphertext.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cumulus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("backend", "s3", fmt.Sprintf("Object store backend (%s)", strings.Join(store.Backends(), ", ")))
	rootCmd.PersistentFlags().String("access-key", "", "Backend access key (prompted if needed)")
	rootCmd.PersistentFlags().String("secret-key", "", "Backend secret key (prompted if needed)")
	rootCmd.PersistentFlags().String("passphrase", "", "Volume passphrase (prompted if needed)")
	rootCmd.PersistentFlags().String("endpoint", "", "Custom S3-compatible endpoint URL")
	rootCmd.PersistentFlags().String("region", "", "Backend region")
	rootCmd.PersistentFlags().String("db-path", "", "Database file for the bolt backend")
	rootCmd.PersistentFlags().String("settings", "", "Settings file (default ~/"+settings.DefaultFileName+")")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(closeAllCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// volumeRef is a resolved BUCKET/VOLUME argument plus credentials.
type volumeRef struct {
	backend    string
	cfg        store.Config
	passphrase string
}

// parseVolumeArg splits the positional BUCKET/VOLUME argument.
func parseVolumeArg(arg string) (bucket, vol string, err error) {
	bucket, vol, ok := strings.Cut(arg, "/")
	if !ok || bucket == "" || vol == "" {
		return "", "", fmt.Errorf("expected BUCKET/VOLUME, got %q", arg)
	}
	return bucket, vol, nil
}

// needsCreds reports whether a backend requires access credentials.
func needsCreds(backend string) bool {
	return backend == "s3"
}

// resolveVolume builds the store config for a command: flags first,
// settings file underneath, interactive prompts for whatever is still
// missing. newPassphrase selects the confirm-twice prompt used by init
// and passwd.
func resolveVolume(cmd *cobra.Command, arg string, newPassphrase bool) (*volumeRef, error) {
	bucket, vol, err := parseVolumeArg(arg)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	backend, _ := flags.GetString("backend")
	accessKey, _ := flags.GetString("access-key")
	secretKey, _ := flags.GetString("secret-key")
	passphrase, _ := flags.GetString("passphrase")
	endpoint, _ := flags.GetString("endpoint")
	region, _ := flags.GetString("region")
	dbPath, _ := flags.GetString("db-path")
	settingsPath, _ := flags.GetString("settings")

	cfgFile, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if creds := cfgFile.CredsFor(backend, bucket, vol); creds != nil {
		if accessKey == "" {
			accessKey = creds.AccessKey
		}
		if secretKey == "" {
			secretKey = creds.SecretKey
		}
		if passphrase == "" && !newPassphrase {
			passphrase = creds.Passphrase
		}
	}

	if needsCreds(backend) {
		if accessKey == "" {
			accessKey, err = promptLine("access key: ")
			if err != nil {
				return nil, err
			}
		}
		if secretKey == "" {
			secretKey, err = promptSecret("secret key: ")
			if err != nil {
				return nil, err
			}
		}
	}
	if passphrase == "" {
		if newPassphrase {
			passphrase, err = promptSecretConfirm("new passphrase")
		} else {
			passphrase, err = promptSecret("passphrase: ")
		}
		if err != nil {
			return nil, err
		}
	}

	return &volumeRef{
		backend: backend,
		cfg: store.Config{
			Bucket:    bucket,
			Volume:    vol,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Endpoint:  endpoint,
			Region:    region,
			Path:      dbPath,
			Retry:     store.DefaultRetryPolicy,
		},
		passphrase: passphrase,
	}, nil
}

// openStore constructs and access-checks the backend for a ref.
func openStore(ref *volumeRef) (store.Store, error) {
	st, err := store.Open(ref.backend, ref.cfg)
	if err != nil {
		return nil, err
	}
	if err := st.CheckAccess(); err != nil {
		return nil, err
	}
	return st, nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("authentication cancelled")
	}
	return strings.TrimSpace(line), nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("authentication cancelled")
	}
	return string(secret), nil
}

func promptSecretConfirm(name string) (string, error) {
	for {
		val, err := promptSecret(name + ": ")
		if err != nil {
			return "", err
		}
		confirm, err := promptSecret("confirm: ")
		if err != nil {
			return "", err
		}
		if val == confirm {
			return val, nil
		}
		fmt.Fprintln(os.Stderr, "PASSWORDS DO NOT MATCH - TRY AGAIN")
	}
}

// confirmDestructive asks the user to type YES before irreversible
// operations, unless --yes was given.
func confirmDestructive(cmd *cobra.Command, warning string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return nil
	}
	fmt.Println(warning)
	line, err := promptLine("To continue, type yes in uppercase: ")
	if err != nil || line != "YES" {
		return fmt.Errorf("aborted")
	}
	return nil
}

// parseSize parses a byte count with an optional K/M/G/T suffix.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		mult, s = 1<<40, strings.TrimSuffix(s, "T")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

var initCmd = &cobra.Command{
	Use:   "init BUCKET/VOLUME",
	Short: "Initialize a new volume",
	Long: `Initialize a new encrypted volume in the bucket. Refuses to touch a
bucket prefix that already contains a volume, whether or not the
passphrase matches.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeStr, _ := cmd.Flags().GetString("size")
		size, err := parseSize(sizeStr)
		if err != nil {
			return err
		}
		ref, err := resolveVolume(cmd, args[0], true)
		if err != nil {
			return err
		}
		st, err := openStore(ref)
		if err != nil {
			return err
		}
		if err := volume.Init(st, ref.passphrase, size); err != nil {
			return err
		}
		fmt.Printf("volume '%s' initialized (%s)\n", args[0], stats.SizeToHuman(size))
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open BUCKET/VOLUME",
	Short: "Serve a volume as an NBD device",
	Long: `Open a volume and serve it to a single NBD client. The process stays
in the foreground; interrupt it (SIGINT) to flush the cache and close
cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := resolveVolume(cmd, args[0], false)
		if err != nil {
			return err
		}
		bind, _ := cmd.Flags().GetString("bind")
		port, _ := cmd.Flags().GetInt("port")
		maxCacheStr, _ := cmd.Flags().GetString("max-cache")
		writers, _ := cmd.Flags().GetInt("writers")
		readAhead, _ := cmd.Flags().GetInt("read-ahead")
		sizeStr, _ := cmd.Flags().GetString("size")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		settingsPath, _ := cmd.Flags().GetString("settings")

		maxCache, err := parseSize(maxCacheStr)
		if err != nil {
			return err
		}
		sizeOverride, err := parseSize(sizeStr)
		if err != nil {
			return err
		}

		// Serving defaults from the settings file when flags are unset.
		cfgFile, err := settings.Load(settingsPath)
		if err != nil {
			return err
		}
		if bind == "" {
			bind = cfgFile.Bind
		}
		if port == 0 {
			port = cfgFile.Port
		}
		if maxCache == 0 {
			maxCache = cfgFile.MaxCache
		}
		if writers == 0 {
			writers = cfgFile.Writers
		}
		if readAhead == 0 {
			readAhead = cfgFile.ReadAhead
		}
		if metricsAddr == "" {
			metricsAddr = cfgFile.MetricsAddr
		}

		srv := server.New(server.Options{
			Backend:      ref.backend,
			StoreCfg:     ref.cfg,
			Passphrase:   ref.passphrase,
			Bind:         bind,
			Port:         port,
			MaxCache:     maxCache,
			Writers:      writers,
			ReadAhead:    readAhead,
			SizeOverride: sizeOverride,
			MetricsAddr:  metricsAddr,
		})
		return srv.Run()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info BUCKET/VOLUME",
	Short: "Show a volume's size and block size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := resolveVolume(cmd, args[0], false)
		if err != nil {
			return err
		}
		st, err := openStore(ref)
		if err != nil {
			return err
		}
		vol, err := volume.Open(st, ref.passphrase, blocktree.Options{})
		if err != nil {
			return err
		}
		fmt.Printf("size:         %s\n", stats.SizeToHuman(vol.Config.Size))
		fmt.Printf("block size:   %s\n", stats.SizeToHuman(vol.Config.BS))
		return nil
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize BUCKET/VOLUME",
	Short: "Change a volume's virtual size",
	Long: `Rewrite the volume's size. With --cleanup, block objects whose id is
greater than size/blocksize + 1 are deleted; the two block ids just past
the new end are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeStr, _ := cmd.Flags().GetString("size")
		cleanup, _ := cmd.Flags().GetBool("cleanup")
		threads, _ := cmd.Flags().GetInt("threads")
		newSize, err := parseSize(sizeStr)
		if err != nil {
			return err
		}
		ref, err := resolveVolume(cmd, args[0], false)
		if err != nil {
			return err
		}
		st, err := openStore(ref)
		if err != nil {
			return err
		}
		vol, err := volume.Open(st, ref.passphrase, blocktree.Options{})
		if err != nil {
			return err
		}

		if cleanup {
			warning := "\nNOTE resizing with the cleanup option on will delete all\n" +
				"unused blocks. Past this point, any data residing beyond the\n" +
				"size you specified will be corrupted and eventually deleted."
			if err := confirmDestructive(cmd, warning); err != nil {
				return err
			}
		}

		if newSize > 0 {
			fmt.Printf("resizing from %s to %s\n",
				stats.SizeToHuman(vol.Config.Size), stats.SizeToHuman(newSize))
			if err := vol.Resize(newSize); err != nil {
				return err
			}
			fmt.Println("metadata updated")
		} else {
			fmt.Printf("keeping size %s\n", stats.SizeToHuman(vol.Config.Size))
		}

		if !cleanup {
			fmt.Println("resize completed with no cleanup")
			return nil
		}

		ids, err := vol.BlocksPastEnd()
		if err != nil {
			return err
		}
		fmt.Printf("cleaning up %d objects\n", len(ids))
		err = vol.DeleteBlocks(ids, threads, printDeleteProgress(len(ids)))
		if err != nil {
			return err
		}
		fmt.Println("\nresize completed with object cleanup")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete BUCKET/VOLUME",
	Short: "Delete a volume and all its blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threads, _ := cmd.Flags().GetInt("threads")
		ref, err := resolveVolume(cmd, args[0], false)
		if err != nil {
			return err
		}
		st, err := openStore(ref)
		if err != nil {
			return err
		}
		// Load instead of Open: a half-deleted volume must be deletable.
		vol, err := volume.Load(st, ref.passphrase, blocktree.Options{})
		if err != nil {
			return err
		}

		if !vol.Config.Deleted {
			warning := "\nNOTE that past this point, your volume will be corrupted\n" +
				"as a result of partial deletion and eventually completely\n" +
				"deleted. There will be no going back."
			if err := confirmDestructive(cmd, warning); err != nil {
				return err
			}
			if err := vol.MarkDeleted(); err != nil {
				return err
			}
		}

		ids, err := vol.AllBlocks()
		if err != nil {
			return err
		}
		fmt.Printf("deleting %d objects\n", len(ids))
		if err := vol.DeleteBlocks(ids, threads, printDeleteProgress(len(ids))); err != nil {
			return err
		}
		if err := vol.DeleteConfig(); err != nil {
			return err
		}
		fmt.Printf("\nvolume '%s' is completely deleted\n", args[0])
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd BUCKET/VOLUME",
	Short: "Change a volume's passphrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := resolveVolume(cmd, args[0], false)
		if err != nil {
			return err
		}
		st, err := openStore(ref)
		if err != nil {
			return err
		}
		vol, err := volume.Open(st, ref.passphrase, blocktree.Options{})
		if err != nil {
			return err
		}
		newPass, err := promptSecretConfirm("new passphrase")
		if err != nil {
			return err
		}
		if err := vol.Passwd(newPass); err != nil {
			return err
		}
		fmt.Println("passphrase updated")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes currently open on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := lock.ListOpen()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no open volumes")
			return nil
		}
		for _, id := range ids {
			fmt.Printf("%s: %s/%s\n", id.Backend, id.Bucket, id.Volume)
		}
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat BUCKET/VOLUME",
	Short: "Show live statistics for an open volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, vol, err := parseVolumeArg(args[0])
		if err != nil {
			return err
		}
		backend, _ := cmd.Flags().GetString("backend")
		table, err := stats.ReadTable(lock.StatPath(lock.ID{
			Backend: backend, Bucket: bucket, Volume: vol,
		}))
		if err != nil {
			return fmt.Errorf("volume is not open: %w", err)
		}
		fmt.Print(table)
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close BUCKET/VOLUME",
	Short: "Interrupt the server holding a volume open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, vol, err := parseVolumeArg(args[0])
		if err != nil {
			return err
		}
		backend, _ := cmd.Flags().GetString("backend")
		return closeVolume(lock.ID{Backend: backend, Bucket: bucket, Volume: vol})
	},
}

var closeAllCmd = &cobra.Command{
	Use:   "closeall",
	Short: "Interrupt every open volume on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := lock.ListOpen()
		if err != nil {
			return err
		}
		var firstErr error
		for _, id := range ids {
			if err := closeVolume(id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
}

func closeVolume(id lock.ID) error {
	pid, err := lock.ReadPID(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("volume %s is not open", id)
		}
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	fmt.Printf("close requested for %s (pid %d)\n", id, pid)
	return nil
}

// printDeleteProgress reports parallel deletion progress on one line.
func printDeleteProgress(total int) func(done, total int) {
	if total == 0 {
		return nil
	}
	return func(done, _ int) {
		if done%10 == 0 || done == total {
			fmt.Printf("\x1b[2K\x1b[1Gdeleting objects ... %d%%", done*100/total)
		}
	}
}

func init() {
	initCmd.Flags().String("size", "", "Virtual device size (accepts K/M/G/T suffix)")
	initCmd.MarkFlagRequired("size")

	openCmd.Flags().String("bind", "", "Listen address (default all interfaces)")
	openCmd.Flags().Int("port", 0, fmt.Sprintf("Listen port (default %d)", server.DefaultPort))
	openCmd.Flags().String("max-cache", "", "Cache budget in bytes (accepts K/M/G/T suffix)")
	openCmd.Flags().Int("writers", 0, fmt.Sprintf("Upload worker count (default %d)", server.DefaultWriters))
	openCmd.Flags().Int("read-ahead", 0, fmt.Sprintf("Read-ahead block count (default %d)", server.DefaultReadAhead))
	openCmd.Flags().String("size", "", "Report a different size to the client")
	openCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	resizeCmd.Flags().String("size", "", "New virtual device size (accepts K/M/G/T suffix)")
	resizeCmd.Flags().Bool("cleanup", false, "Delete block objects past the new end")
	resizeCmd.Flags().Int("threads", 30, "Parallel delete workers")
	resizeCmd.Flags().Bool("yes", false, "Skip confirmation")

	deleteCmd.Flags().Int("threads", 30, "Parallel delete workers")
	deleteCmd.Flags().Bool("yes", false, "Skip confirmation")
}
