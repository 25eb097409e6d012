package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/tdx-cvm-manager/attestation"
	"github.com/ruteri/tdx-cvm-manager/cmd/flags"
	"github.com/ruteri/tdx-cvm-manager/common"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/keyprovider"
	"github.com/ruteri/tdx-cvm-manager/kms"
	"github.com/ruteri/tdx-cvm-manager/metrics"
	"github.com/urfave/cli/v2"
)

var (
	listenAddrFlag = &cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:3443",
		Usage: "address to listen on for key requests",
	}
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "hex-encoded master seed, at least 32 bytes",
	}
	sharesFlag = &cli.StringSliceFlag{
		Name:  "share",
		Usage: "signed seed share as <admin-pubkey-hex>:<share-hex>:<signature-hex>, used instead of --seed",
	}
	adminKeysFlag = &cli.StringSliceFlag{
		Name:  "admin-pubkey",
		Usage: "hex-encoded ed25519 admin public key allowed to submit shares",
	}
	thresholdFlag = &cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of shares required to recover the seed",
	}
	attestationFlag = &cli.StringFlag{
		Name:  "attestation",
		Value: "dummy",
		Usage: "quote provider: dummy, dcap or remote",
	}
	remoteAddrFlag = &cli.StringFlag{
		Name:  "remote-addr",
		Usage: "remote quote provider address (for --attestation=remote)",
	}
	signerFlag = &cli.StringFlag{
		Name:  "signer",
		Value: "ed25519",
		Usage: "signing key type: ed25519 or ecdsa",
	}
)

func main() {
	app := &cli.App{
		Name:  "local-kp",
		Usage: "Serve development sealing keys to local confidential VMs",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			seedFlag,
			sharesFlag,
			adminKeysFlag,
			thresholdFlag,
			attestationFlag,
			remoteAddrFlag,
			signerFlag,
			flags.MetricsAddrFlag,
			flags.LogServiceFlagFn("local-kp"),
		}, flags.CommonFlags...),
		Action: serve,
		Commands: []*cli.Command{
			splitSeedCommand,
			signShareCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	seed, err := loadSeed(cCtx)
	if err != nil {
		return err
	}

	provider, err := attestation.New(cCtx.String(attestationFlag.Name), cCtx.String(remoteAddrFlag.Name), cCtx.String(signerFlag.Name))
	if err != nil {
		return err
	}

	sealing, err := kms.NewSealingKMS(seed, provider, attestation.DCAPQuoteInspector{}, logger)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(common.PackageName)
	stopMetrics := flags.StartMetrics(cCtx, logger, m)

	srv := keyprovider.NewServer(countingProvider{sealing, m}, logger, 30*time.Second)
	addr, err := srv.Listen(cCtx.String(listenAddrFlag.Name))
	if err != nil {
		return err
	}
	logger.Info("Local key provider listening", "listenAddress", addr.String(),
		"attestation", cCtx.String(attestationFlag.Name), "signer", hex.EncodeToString(provider.SignerID()))

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("Key provider server failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopMetrics(ctx)
	return srv.Close()
}

func loadSeed(cCtx *cli.Context) ([]byte, error) {
	if s := cCtx.String(seedFlag.Name); s != "" {
		seed, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --seed: %w", err)
		}
		return seed, nil
	}

	shares := cCtx.StringSlice(sharesFlag.Name)
	if len(shares) == 0 {
		return nil, errors.New("either --seed or --share is required")
	}

	admins, err := parseAdminKeys(cCtx.StringSlice(adminKeysFlag.Name))
	if err != nil {
		return nil, err
	}
	recovery, err := kms.NewSeedRecovery(kms.ShamirConfig{Threshold: cCtx.Int(thresholdFlag.Name), AdminPubKeys: admins})
	if err != nil {
		return nil, err
	}

	for i, s := range shares {
		admin, share, sig, err := parseSignedShare(s)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		if err := recovery.SubmitShare(share, sig, admin); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
	}

	seed, ok := recovery.Seed()
	if !ok {
		return nil, fmt.Errorf("%d shares are not enough to recover the seed", len(shares))
	}
	return seed, nil
}

func parseAdminKeys(keys []string) ([]ed25519.PublicKey, error) {
	out := make([]ed25519.PublicKey, 0, len(keys))
	for _, k := range keys {
		pk, err := hex.DecodeString(k)
		if err != nil || len(pk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid admin public key %q", k)
		}
		out = append(out, pk)
	}
	return out, nil
}

func parseSignedShare(s string) (admin ed25519.PublicKey, share, sig []byte, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, nil, nil, errors.New("expected <admin-pubkey>:<share>:<signature>")
	}
	decoded := make([][]byte, 3)
	for i, p := range parts {
		if decoded[i], err = hex.DecodeString(p); err != nil {
			return nil, nil, nil, err
		}
	}
	return decoded[0], decoded[1], decoded[2], nil
}

// countingProvider records issued keys and provider failures.
type countingProvider struct {
	*kms.SealingKMS
	metrics *metrics.Metrics
}

func (p countingProvider) GetSealingKey(ctx context.Context, req interfaces.SealingKeyRequest) (interfaces.SealingKeyResponse, error) {
	resp, err := p.SealingKMS.GetSealingKey(ctx, req)
	if err != nil {
		p.metrics.ProviderFailure()
		return resp, err
	}
	p.metrics.SealingKeyIssued()
	return resp, nil
}

var splitSeedCommand = &cli.Command{
	Name:  "split-seed",
	Usage: "split a master seed into one Shamir share per admin public key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: seedFlag.Name, Required: true, Usage: seedFlag.Usage},
		adminKeysFlag,
		thresholdFlag,
	},
	Action: func(cCtx *cli.Context) error {
		seed, err := hex.DecodeString(cCtx.String(seedFlag.Name))
		if err != nil {
			return fmt.Errorf("invalid --seed: %w", err)
		}
		admins, err := parseAdminKeys(cCtx.StringSlice(adminKeysFlag.Name))
		if err != nil {
			return err
		}

		shares, err := kms.SplitSeed(seed, kms.ShamirConfig{Threshold: cCtx.Int(thresholdFlag.Name), AdminPubKeys: admins})
		if err != nil {
			return err
		}
		for i, share := range shares {
			fmt.Fprintf(cCtx.App.Writer, "%s:%s\n", hex.EncodeToString(admins[i]), hex.EncodeToString(share))
		}
		return nil
	},
}

var signShareCommand = &cli.Command{
	Name:      "sign-share",
	Usage:     "sign a share with an admin key, printing the --share argument",
	ArgsUsage: "<admin-pubkey-hex>:<share-hex>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "admin-key", Required: true, Usage: "hex-encoded 32-byte ed25519 private key seed"},
	},
	Action: func(cCtx *cli.Context) error {
		keySeed, err := hex.DecodeString(cCtx.String("admin-key"))
		if err != nil || len(keySeed) != ed25519.SeedSize {
			return errors.New("invalid --admin-key")
		}
		key := ed25519.NewKeyFromSeed(keySeed)

		_, shareHex, found := strings.Cut(cCtx.Args().First(), ":")
		if !found {
			return errors.New("expected <admin-pubkey-hex>:<share-hex>")
		}
		share, err := hex.DecodeString(shareHex)
		if err != nil {
			return fmt.Errorf("invalid share: %w", err)
		}

		pub := key.Public().(ed25519.PublicKey)
		fmt.Fprintf(cCtx.App.Writer, "%s:%s:%s\n", hex.EncodeToString(pub), shareHex, hex.EncodeToString(kms.SignShare(share, key)))
		return nil
	},
}
