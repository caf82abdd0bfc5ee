package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/sign"
)

const (
	privateKeyFileName = "manifest.key"
	publicKeyFileName  = "manifest.pub"
)

var (
	keygenOutDir     string
	keygenExpiration time.Duration

	signPrivKeyFile string
	signOutputFile  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a new manifest signing key",
	Long: `Generate a new ed25519 manifest signing key pair. The private key signs manifests on the
update server side, the public key is distributed with the client.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenExpiration < 0 {
			return fmt.Errorf("--expiration can't be negative")
		}
		if err := handleKeygen(cmd, keygenOutDir, keygenExpiration); err != nil {
			return fmt.Errorf("failed to create manifest key: %w", err)
		}
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <manifest-file>",
	Short: "Sign a manifest",
	Long: `Wrap a manifest into a signed envelope that clients verify with the matching public
key.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := handleSign(cmd, signPrivKeyFile, args[0], signOutputFile); err != nil {
			return fmt.Errorf("failed to sign manifest: %w", err)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutDir, "out-dir", ".", "Directory where manifest.key and manifest.pub are saved")
	keygenCmd.Flags().DurationVar(&keygenExpiration, "expiration", 0, "Expiration duration of the key (e.g., 720h, 8760h), zero never expires")

	signCmd.Flags().StringVar(&signPrivKeyFile, "private-key-file", "", "Path to the manifest private key")
	signCmd.Flags().StringVarP(&signOutputFile, "output", "o", "", "Path where the signed manifest is saved, stdout when empty")

	if err := signCmd.MarkFlagRequired("private-key-file"); err != nil {
		panic(fmt.Errorf("mark private-key-file as required: %w", err))
	}
}

func handleKeygen(cmd *cobra.Command, outDir string, expiration time.Duration) error {
	cmd.Println("Creating new manifest signing key...")

	key, privPEM, pubPEM, err := sign.GenerateKey(expiration)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	privFile := filepath.Join(outDir, privateKeyFileName)
	if err := os.WriteFile(privFile, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key file (%s): %w", privFile, err)
	}

	pubFile := filepath.Join(outDir, publicKeyFileName)
	if err := os.WriteFile(pubFile, pubPEM, 0o600); err != nil {
		return fmt.Errorf("write public key file (%s): %w", pubFile, err)
	}

	cmd.Printf("Manifest key created successfully.\n")
	cmd.Printf("%s\n", key.String())
	return nil
}

func handleSign(cmd *cobra.Command, privKeyFile, manifestFile, outputFile string) error {
	privKeyPEM, err := os.ReadFile(privKeyFile)
	if err != nil {
		return fmt.Errorf("read private key file: %w", err)
	}

	key, err := sign.ParsePrivateKey(privKeyPEM)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	manifest, err := os.ReadFile(manifestFile)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if !json.Valid(manifest) {
		return fmt.Errorf("manifest %s is not valid JSON", manifestFile)
	}

	signature, err := sign.SignManifest(key, manifest)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	envelope, err := json.Marshal(map[string]string{
		"manifestString": string(manifest),
		"signature":      signature,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if outputFile == "" {
		cmd.Println(string(envelope))
		return nil
	}
	if err := os.WriteFile(outputFile, envelope, 0o644); err != nil {
		return fmt.Errorf("write signed manifest (%s): %w", outputFile, err)
	}
	cmd.Printf("Signed manifest written to %s with key %s\n", outputFile, key.Metadata.ID)
	return nil
}
