// ABOUTME: Admin CLI for ward-gateway key management, policy signing, and audits
// ABOUTME: Operates on local files and the gateway store; no live gateway required

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/auth"
	"github.com/2389/ward-gateway/internal/config"
	"github.com/2389/ward-gateway/internal/policy"
	"github.com/2389/ward-gateway/internal/store"
)

const banner = `
                       _                 _           _
__      ____ _ _ __ __| |        __ _ __| |_ __ ___ (_)_ __
\ \ /\ / / _' | '__/ _' | _____ / _' / _' | '_ ' _ \| | '_ \
 \ V  V / (_| | | | (_| ||_____| (_| | (_| | | | | | | | | | |
  \_/\_/ \__,_|_|  \__,_|        \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keygen":
		err = cmdKeygen(args)
	case "policy":
		err = cmdPolicy(args)
	case "audit":
		err = cmdAudit(args)
	case "token":
		err = cmdToken(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: ward-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  keygen --out DIR             Generate a policy signing keypair")
	fmt.Println("  policy sign PAYLOAD KEY      Sign a policy payload, writing PAYLOAD.sig")
	fmt.Println("  policy verify PAYLOAD SIG PUB  Verify a signed policy payload")
	fmt.Println("  audit verify [PATH]          Replay and verify the audit chain")
	fmt.Println("  token mint CLIENT [TTL]      Mint an operator token (default TTL 24h)")
}

// getConfigPath mirrors the gateway's lookup so both binaries agree.
func getConfigPath() string {
	if envPath := os.Getenv("WARD_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "ward", "gateway.yaml")
}

func cmdKeygen(args []string) error {
	outDir := "."
	for i := 0; i < len(args); i++ {
		if args[i] == "--out" && i+1 < len(args) {
			outDir = args[i+1]
			i++
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	privPath := filepath.Join(outDir, "policy.key")
	pubPath := filepath.Join(outDir, "policy.pub")

	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	color.Green("Wrote %s and %s", privPath, pubPath)
	fmt.Println("Keep the private key offline; the gateway only needs policy.pub.")
	return nil
}

func cmdPolicy(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: policy <sign|verify> ...")
	}
	switch args[0] {
	case "sign":
		return policySign(args[1:])
	case "verify":
		return policyVerify(args[1:])
	default:
		return fmt.Errorf("unknown policy subcommand: %s", args[0])
	}
}

func policySign(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: policy sign PAYLOAD KEY")
	}
	payloadPath, keyPath := args[0], args[1]

	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	priv, err := readPrivateKey(keyPath)
	if err != nil {
		return err
	}

	sigPath := payloadPath + ".sig"
	sig := policy.Sign(payload, priv)
	if err := os.WriteFile(sigPath, []byte(sig+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing signature: %w", err)
	}

	color.Green("Signed %s -> %s", payloadPath, sigPath)
	return nil
}

func policyVerify(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: policy verify PAYLOAD SIG PUB")
	}

	mgr := policy.NewManager(policy.Config{
		Enabled:       true,
		FailClosed:    true,
		PayloadPath:   args[0],
		SignaturePath: args[1],
		PublicKeyPath: args[2],
	}, nil)

	st := mgr.Load()
	if !st.Valid {
		return fmt.Errorf("policy verification failed; a gateway in fail-closed mode would lock down")
	}
	color.Green("Policy verifies OK (version %s, %d rules)", st.Policy.Version, len(st.Policy.Rules))
	return nil
}

func cmdAudit(args []string) error {
	if len(args) < 1 || args[0] != "verify" {
		return fmt.Errorf("usage: audit verify [PATH]")
	}

	path := ""
	if len(args) > 1 {
		path = args[1]
	} else {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("no path given and config unreadable: %w", err)
		}
		path = cfg.Audit.Path
	}

	result := audit.Verify(path)
	if !result.OK {
		if result.ReadError {
			return fmt.Errorf("audit log unreadable: %s", result.Error)
		}
		color.Red("TAMPER DETECTED at line %d: %s", result.Line, result.Error)
		os.Exit(2)
	}

	color.Green("Audit chain verifies OK")
	fmt.Printf("  entries:   %d\n", result.Count)
	if result.LastHash != "" {
		fmt.Printf("  chain head: %s\n", result.LastHash)
	}
	return nil
}

func cmdToken(args []string) error {
	if len(args) < 2 || args[0] != "mint" {
		return fmt.Errorf("usage: token mint CLIENT [TTL]")
	}
	clientID := args[1]

	ttl := 24 * time.Hour
	if len(args) > 2 {
		parsed, err := time.ParseDuration(args[2])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		ttl = parsed
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(clientID, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	// Record the mint so tokens can be listed and revoked later. The token
	// string itself never touches the store.
	db, err := store.NewSQLiteStore(cfg.Database.Path, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	jti, err := extractJTI(token)
	if err != nil {
		return fmt.Errorf("reading minted token: %w", err)
	}
	if err := db.SaveToken(context.Background(), &store.Token{
		JTI:       jti,
		ClientID:  clientID,
		ExpiresAt: time.Now().Add(ttl),
	}); err != nil {
		return fmt.Errorf("recording token: %w", err)
	}

	color.Green("Minted token for %s (expires in %s)", clientID, ttl)
	fmt.Println(token)
	return nil
}

// extractJTI pulls the jti claim out of a freshly minted token. The token
// was produced locally moments ago, so the claims are decoded without a
// second signature check.
func extractJTI(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding claims: %w", err)
	}
	var claims struct {
		JTI string `json:"jti"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parsing claims: %w", err)
	}
	if claims.JTI == "" {
		return "", fmt.Errorf("minted token has no jti")
	}
	return claims.JTI, nil
}

// readPrivateKey loads a base64-encoded ed25519 private key file.
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(key), nil
}
