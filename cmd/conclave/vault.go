package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/store"
	"github.com/ppallis/conclave/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	v, err := vault.Open()
	if err != nil {
		return err
	}
	keeper := vault.NewKeeper(v, db)

	switch args[0] {
	case "list":
		return vaultList(keeper)
	case "set":
		return vaultSet(keeper, args[1:])
	case "get":
		return vaultGet(keeper, args[1:])
	case "delete":
		return vaultDelete(keeper, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave vault <command>

Commands:
  list                             List secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a secret
  set <name> --file <path> [--description <text>]   Store a secret from a file
  get <name>                       Decrypt and print a secret
  delete <name>                    Delete a secret

Reference secrets from the config as "secret:<name>".

Environment:
  CONCLAVE_VAULT_PASSPHRASE        Required. Encryption passphrase.
`)
}

func vaultList(keeper *vault.Keeper) error {
	secrets, err := keeper.List()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(keeper *vault.Keeper, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: conclave vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value string
	switch args[1] {
	case "--value":
		value = args[2]
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = string(data)
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	if err := keeper.Set(name, description, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(keeper *vault.Keeper, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conclave vault get <name>")
	}
	plaintext, err := keeper.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Print(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(keeper *vault.Keeper, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conclave vault delete <name>")
	}
	if err := keeper.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
