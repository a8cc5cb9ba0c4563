package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:  "mdip-cli",
		Usage: "simple CLI client tool for an MDIP gatekeeper",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "gatekeeper-url",
			Usage:   "method, hostname, and port of the gatekeeper",
			Value:   "http://localhost:4224",
			Sources: cli.EnvVars("KC_GATEKEEPER_URL"),
		},
	}
	keyFlag := &cli.StringFlag{
		Name:    "private-key",
		Usage:   "K-256 private key used to sign (multibase syntax)",
		Sources: cli.EnvVars("KC_PRIVATE_KEY"),
	}
	registryFlag := &cli.StringFlag{
		Name:  "registry",
		Usage: "registry the DID is anchored on",
		Value: mdip.RegistryHyperswarm,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "keygen",
			Usage:  "generate a fresh K-256 private key, printed to stdout as a multibase string",
			Action: runKeyGen,
		},
		{
			Name:   "create-agent",
			Usage:  "create an agent DID controlled by the private key",
			Action: runCreateAgent,
			Flags: []cli.Flag{
				keyFlag,
				registryFlag,
				&cli.StringFlag{
					Name:  "prefix",
					Usage: "DID prefix (defaults to the gatekeeper's)",
				},
			},
		},
		{
			Name:      "create-asset",
			Usage:     "create an asset DID owned by an agent (reads JSON data from stdin)",
			ArgsUsage: "<controller-did>",
			Action:    runCreateAsset,
			Flags:     []cli.Flag{keyFlag, registryFlag},
		},
		{
			Name:      "resolve",
			Usage:     "resolve a DID",
			ArgsUsage: "<did>",
			Action:    runResolve,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "confirm",
					Usage: "only include events confirmed on the DID's registry",
				},
				&cli.BoolFlag{
					Name:  "verify",
					Usage: "re-verify every operation",
				},
				&cli.IntFlag{
					Name:  "version",
					Usage: "resolve at a specific version",
				},
				&cli.TimestampFlag{
					Name:  "time",
					Usage: "resolve as of a point in time",
					Config: cli.TimestampConfig{
						Layouts: []string{time.RFC3339},
					},
				},
			},
		},
		{
			Name:      "update-data",
			Usage:     "replace the data of a DID document (reads JSON from stdin)",
			ArgsUsage: "<did>",
			Action:    runUpdateData,
			Flags:     []cli.Flag{keyFlag},
		},
		{
			Name:      "delete",
			Usage:     "deactivate a DID",
			ArgsUsage: "<did>",
			Action:    runDelete,
			Flags:     []cli.Flag{keyFlag},
		},
		{
			Name:      "export",
			Usage:     "export the event logs of DIDs (all DIDs if none given)",
			ArgsUsage: "[did...]",
			Action:    runExport,
		},
		{
			Name:   "import",
			Usage:  "import a batch of events (reads a JSON array from stdin) and process them",
			Action: runImport,
		},
		{
			Name:   "process",
			Usage:  "process queued imported events",
			Action: runProcess,
		},
		{
			Name:      "queue",
			Usage:     "show the operations queued for a registry",
			ArgsUsage: "<registry>",
			Action:    runQueue,
		},
		{
			Name:   "registries",
			Usage:  "list registries supported by the gatekeeper",
			Action: runRegistries,
		},
		{
			Name:      "verify-log",
			Usage:     "fetch the event log of a DID and verify it locally",
			ArgsUsage: "<did>",
			Action:    runVerifyLog,
		},
		{
			Name:   "verify-db",
			Usage:  "verify every DID in the database and remove invalid or expired ones",
			Action: runVerifyDb,
		},
		{
			Name:   "status",
			Usage:  "show gatekeeper status",
			Action: runStatus,
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func client(cmd *cli.Command) *mdip.Client {
	return mdip.NewClient(cmd.String("gatekeeper-url"))
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func privateKey(cmd *cli.Command) (atcrypto.PrivateKey, error) {
	privStr := cmd.String("private-key")
	if privStr == "" {
		return nil, fmt.Errorf("private key is required")
	}
	return atcrypto.ParsePrivateMultibase(privStr)
}

func didArg(cmd *cli.Command) (string, error) {
	s := cmd.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide DID as an argument")
	}
	return s, nil
}

func readStdinJSON() (json.RawMessage, error) {
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	if !json.Valid(inBytes) {
		return nil, fmt.Errorf("stdin is not valid JSON")
	}
	return json.RawMessage(inBytes), nil
}

func runKeyGen(ctx context.Context, cmd *cli.Command) error {
	privkey, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return err
	}
	fmt.Println(privkey.Multibase())
	return nil
}

func runCreateAgent(ctx context.Context, cmd *cli.Command) error {
	priv, err := privateKey(cmd)
	if err != nil {
		return err
	}
	op, err := mdip.NewAgentOp(priv, cmd.String("registry"), cmd.String("prefix"))
	if err != nil {
		return err
	}
	did, err := client(cmd).CreateDID(ctx, op)
	if err != nil {
		return err
	}
	fmt.Println(did)
	return nil
}

func runCreateAsset(ctx context.Context, cmd *cli.Command) error {
	controller, err := didArg(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cmd)
	if err != nil {
		return err
	}
	data, err := readStdinJSON()
	if err != nil {
		return err
	}
	op, err := mdip.NewAssetOp(priv, controller, cmd.String("registry"), data)
	if err != nil {
		return err
	}
	did, err := client(cmd).CreateDID(ctx, op)
	if err != nil {
		return err
	}
	fmt.Println(did)
	return nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	doc, err := client(cmd).ResolveDID(ctx, did, mdip.ResolveOptions{
		Confirm:   cmd.Bool("confirm"),
		Verify:    cmd.Bool("verify"),
		AtVersion: cmd.Int("version"),
		AtTime:    cmd.Timestamp("time"),
	})
	if err != nil {
		return err
	}
	return printJSON(doc)
}

// signerOf returns the DID whose key signs changes to doc: the controller for assets, the DID itself for agents
func signerOf(did string, doc *mdip.Document) string {
	if doc.DidDocument != nil && doc.DidDocument.Controller != "" {
		return doc.DidDocument.Controller
	}
	return did
}

func runUpdateData(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cmd)
	if err != nil {
		return err
	}
	data, err := readStdinJSON()
	if err != nil {
		return err
	}

	c := client(cmd)
	current, err := c.ResolveDID(ctx, did, mdip.ResolveOptions{})
	if err != nil {
		return err
	}
	if current.DidDocumentMetadata == nil {
		return fmt.Errorf("DID has no metadata: %s", did)
	}

	doc := current.Clone()
	doc.DidDocumentData = data
	doc.DidDocumentMetadata = nil
	doc.DidResolutionMetadata = nil

	op, err := mdip.NewUpdateOp(priv, signerOf(did, current), did, current.DidDocumentMetadata.VersionID, doc)
	if err != nil {
		return err
	}
	if _, err := c.UpdateDID(ctx, op); err != nil {
		return err
	}
	fmt.Printf("Successfully updated: %s\n", did)
	return nil
}

func runDelete(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	priv, err := privateKey(cmd)
	if err != nil {
		return err
	}

	c := client(cmd)
	current, err := c.ResolveDID(ctx, did, mdip.ResolveOptions{})
	if err != nil {
		return err
	}
	if current.DidDocumentMetadata == nil {
		return fmt.Errorf("DID has no metadata: %s", did)
	}

	op, err := mdip.NewDeleteOp(priv, signerOf(did, current), did, current.DidDocumentMetadata.VersionID)
	if err != nil {
		return err
	}
	if _, err := c.DeleteDID(ctx, op); err != nil {
		return err
	}
	fmt.Printf("Successfully deleted: %s\n", did)
	return nil
}

func runExport(ctx context.Context, cmd *cli.Command) error {
	events, err := client(cmd).ExportBatch(ctx, cmd.Args().Slice())
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runVerifyLog(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	logs, err := client(cmd).ExportDIDs(ctx, []string{did})
	if err != nil {
		return err
	}
	if len(logs) != 1 || len(logs[0]) == 0 {
		return fmt.Errorf("no events for %s", did)
	}
	events := logs[0]

	prefix := did[:max(strings.LastIndex(did, ":"), 0)]
	if err := mdip.VerifyEventLog(events, prefix); err != nil {
		return fmt.Errorf("invalid event log: %w", err)
	}
	// VerifyEventLog already checked the create operation
	generated, _ := mdip.GenerateDID(events[0].Operation.Create, prefix)
	if mdip.DIDSuffix(generated) != mdip.DIDSuffix(did) {
		return fmt.Errorf("invalid event log: create operation does not match %s", did)
	}
	fmt.Println("valid")
	return nil
}

func runImport(ctx context.Context, cmd *cli.Command) error {
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var batch []mdip.Event
	if err := json.Unmarshal(inBytes, &batch); err != nil {
		return err
	}

	c := client(cmd)
	imported, err := c.ImportBatch(ctx, batch)
	if err != nil {
		return err
	}
	processed, err := c.ProcessEvents(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"imported":  imported,
		"processed": processed,
	})
}

func runProcess(ctx context.Context, cmd *cli.Command) error {
	res, err := client(cmd).ProcessEvents(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runQueue(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().First()
	if registry == "" {
		return fmt.Errorf("need to provide registry as an argument")
	}
	ops, err := client(cmd).GetQueue(ctx, registry)
	if err != nil {
		return err
	}
	return printJSON(ops)
}

func runRegistries(ctx context.Context, cmd *cli.Command) error {
	registries, err := client(cmd).ListRegistries(ctx)
	if err != nil {
		return err
	}
	for _, r := range registries {
		fmt.Println(r)
	}
	return nil
}

func runVerifyDb(ctx context.Context, cmd *cli.Command) error {
	res, err := client(cmd).VerifyDb(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	status, err := client(cmd).Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}
