package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/mkendrick/sonavault/internal/keys"
	"github.com/mkendrick/sonavault/pkg/api"
	"github.com/mkendrick/sonavault/pkg/vault"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		cmdInit(args)
	case "serve":
		cmdServe(args)
	case "user":
		cmdUser(args)
	case "upload":
		cmdUpload(args)
	case "share":
		cmdShare(args)
	case "link":
		cmdLink(args)
	case "list":
		cmdList(args)
	case "gc":
		cmdGC(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sonavault - Encrypted audio recording vault

Usage: sonavault <command> [options]

Commands:
  init     Initialize the master keystore (passphrase-protected)
  serve    Start the REST API server (--port 8080)
  user     Register a user: sonavault user add --id <uuid>
  upload   Encrypt and store a recording
  share    Grant a user access to a recording
  link     Mint an anonymous share link (--qr writes a PNG)
  list     List recordings
  gc       Delete expired share links
  help     Show this help

Examples:
  sonavault init
  sonavault user add --id 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  sonavault upload --owner <uuid> --name "demo take" --file take1.wav
  sonavault share --recording <uuid> --from <uuid> --to <uuid> --permission edit
  sonavault link --recording <uuid> --owner <uuid> --max-uses 5 --ttl 24h`)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to resolve home directory: %v", err)
	}
	return filepath.Join(home, ".sonavault")
}

// openVault unlocks the master keystore if one exists and opens the
// vault with it.
func openVault(dataDir string, sealed bool) *vault.Vault {
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	cfg := vault.Config{DataDir: dataDir, SealedBlobs: sealed}

	keyStore := keys.NewMasterKeyStore(dataDir)
	if keyStore.IsInitialized() {
		fmt.Print("Vault is locked. Enter passphrase: ")
		passphrase, err := readPassphrase()
		if err != nil {
			log.Fatalf("\nFailed to read passphrase: %v", err)
		}
		fmt.Println()

		master, err := keyStore.Unlock(passphrase)
		if err != nil {
			log.Fatalf("Failed to unlock: %v", err)
		}
		cfg.MasterKey = master
	}

	v, err := vault.New(cfg)
	if err != nil {
		log.Fatalf("Failed to open vault: %v", err)
	}
	return v
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ~/.sonavault)")
	fs.Parse(args)

	dir := *dataDir
	if dir == "" {
		dir = defaultDataDir()
	}

	store := keys.NewMasterKeyStore(dir)
	if store.IsInitialized() {
		fmt.Println("Master keystore already initialized.")
		return
	}

	fmt.Print("Enter new passphrase: ")
	pass1, err := readPassphrase()
	if err != nil {
		log.Fatalf("\nFailed to read passphrase: %v", err)
	}
	fmt.Print("\nConfirm passphrase: ")
	pass2, err := readPassphrase()
	if err != nil {
		log.Fatalf("\nFailed to read passphrase: %v", err)
	}
	fmt.Println()

	if string(pass1) != string(pass2) {
		log.Fatal("Passphrases do not match")
	}

	if err := store.Initialize(pass1); err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	fmt.Printf("Master keystore initialized at %s\n", dir)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	port := fs.Int("port", 8080, "Port to listen on")
	baseURL := fs.String("base-url", "", "Public base URL for share links")
	sealed := fs.Bool("sealed", false, "Encrypt new recordings with the authenticated cipher")
	fs.Parse(args)

	v := openVault(*dataDir, *sealed)
	defer v.Close()

	base := *baseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", *port)
	}
	server, err := api.NewServer(v, api.Config{
		BaseURL: base,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Sweep dead links in the background.
	go func() {
		ticker := time.NewTicker(time.Hour)
		for range ticker.C {
			if n, err := v.SweepLinks(); err != nil {
				log.Printf("link sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("swept %d expired links", n)
			}
		}
	}()

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func cmdUser(args []string) {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintln(os.Stderr, "Usage: sonavault user add --id <uuid>")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("user add", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	idStr := fs.String("id", "", "User id (default: generate one)")
	fs.Parse(args[1:])

	userID := uuid.New()
	if *idStr != "" {
		var err error
		userID, err = uuid.Parse(*idStr)
		if err != nil {
			log.Fatalf("Invalid user id: %v", err)
		}
	}

	v := openVault(*dataDir, false)
	defer v.Close()

	if err := v.RegisterUser(userID); err != nil {
		log.Fatalf("Failed to register user: %v", err)
	}
	fmt.Printf("Registered user %s\n", userID)
}

func cmdUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	ownerStr := fs.String("owner", "", "Owner user id")
	name := fs.String("name", "", "Recording name")
	description := fs.String("description", "", "Recording description")
	duration := fs.Float64("duration", 0, "Duration in seconds")
	file := fs.String("file", "", "Audio file to encrypt")
	sealed := fs.Bool("sealed", false, "Use the authenticated cipher")
	fs.Parse(args)

	ownerID, err := uuid.Parse(*ownerStr)
	if err != nil {
		log.Fatalf("Invalid owner id: %v", err)
	}
	if *name == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: sonavault upload --owner <uuid> --name <name> --file <path>")
		os.Exit(1)
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}

	v := openVault(*dataDir, *sealed)
	defer v.Close()

	rec, err := v.Create(vault.CreateInput{
		OwnerID:     ownerID,
		Name:        *name,
		Description: *description,
		Duration:    *duration,
		Audio:       audio,
	})
	if err != nil {
		log.Fatalf("Failed to store recording: %v", err)
	}
	fmt.Printf("Stored recording %s (%d bytes encrypted)\n", rec.ID, len(audio))
}

func cmdShare(args []string) {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	recStr := fs.String("recording", "", "Recording id")
	fromStr := fs.String("from", "", "Owner user id")
	toStr := fs.String("to", "", "Target user id")
	perm := fs.String("permission", "read", "read or edit")
	fs.Parse(args)

	recID, err := uuid.Parse(*recStr)
	if err != nil {
		log.Fatalf("Invalid recording id: %v", err)
	}
	fromID, err := uuid.Parse(*fromStr)
	if err != nil {
		log.Fatalf("Invalid source user id: %v", err)
	}
	toID, err := uuid.Parse(*toStr)
	if err != nil {
		log.Fatalf("Invalid target user id: %v", err)
	}

	v := openVault(*dataDir, false)
	defer v.Close()

	if err := v.Share(recID, fromID, toID, vault.Permission(*perm)); err != nil {
		log.Fatalf("Failed to share: %v", err)
	}
	fmt.Printf("Shared %s with %s (%s)\n", recID, toID, *perm)
}

func cmdLink(args []string) {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	recStr := fs.String("recording", "", "Recording id")
	ownerStr := fs.String("owner", "", "Owner user id")
	maxUses := fs.Int("max-uses", 0, "Max redemptions (0 = unlimited)")
	ttl := fs.Duration("ttl", 0, "Link lifetime (0 = never expires)")
	baseURL := fs.String("base-url", "http://localhost:8080", "Public base URL")
	qrFile := fs.String("qr", "", "Write a QR code PNG to this path")
	fs.Parse(args)

	recID, err := uuid.Parse(*recStr)
	if err != nil {
		log.Fatalf("Invalid recording id: %v", err)
	}
	ownerID, err := uuid.Parse(*ownerStr)
	if err != nil {
		log.Fatalf("Invalid owner id: %v", err)
	}

	v := openVault(*dataDir, false)
	defer v.Close()

	link, err := v.CreateLink(recID, ownerID, vault.LinkOptions{
		Permission: vault.PermRead,
		MaxUses:    *maxUses,
		TTL:        *ttl,
	})
	if err != nil {
		log.Fatalf("Failed to create link: %v", err)
	}

	url := v.ShareURL(*baseURL, link)
	fmt.Printf("Share URL: %s\n", url)
	if link.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", link.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("The secret is embedded in the URL and will not be shown again.")

	if *qrFile != "" {
		png, err := v.LinkQR(*baseURL, link, 256)
		if err != nil {
			log.Fatalf("Failed to render QR code: %v", err)
		}
		if err := os.WriteFile(*qrFile, png, 0600); err != nil {
			log.Fatalf("Failed to write QR code: %v", err)
		}
		fmt.Printf("QR code:   %s\n", *qrFile)
	}
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	ownerStr := fs.String("owner", "", "Filter by owner id")
	fs.Parse(args)

	v := openVault(*dataDir, false)
	defer v.Close()

	filter := vault.ListFilter{}
	if *ownerStr != "" {
		ownerID, err := uuid.Parse(*ownerStr)
		if err != nil {
			log.Fatalf("Invalid owner id: %v", err)
		}
		filter.OwnerID = &ownerID
	}

	recs, err := v.List(filter)
	if err != nil {
		log.Fatalf("Failed to list: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No recordings found.")
		return
	}
	for _, rec := range recs {
		name := rec.Name
		if len(name) > 40 {
			name = name[:40]
		}
		fmt.Printf("%s  %6.1fs  %s\n", rec.ID, rec.Duration, name)
	}
}

func cmdGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	v := openVault(*dataDir, false)
	defer v.Close()

	n, err := v.SweepLinks()
	if err != nil {
		log.Fatalf("Failed to sweep links: %v", err)
	}
	fmt.Printf("Removed %d expired links\n", n)
}

func readPassphrase() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var passphrase string
		fmt.Scanln(&passphrase)
		return []byte(strings.TrimSpace(passphrase)), nil
	}
	return term.ReadPassword(fd)
}
