package tpm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/spf13/cobra"
)

var (
	randomCmd = &cobra.Command{
		Use:   "random [bytes]",
		Short: "Prints random bytes from the TPM as hex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bytes must be a number: %w", err)
			}
			random, err := tcs.GetRandom(ctx, uint32(n))
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(random))
			return nil
		},
	}
	pcrReadCmd = &cobra.Command{
		Use:   "pcrread [pcr...]",
		Short: "Prints the value of the given PCRs (all if none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pcrs, err := parsePCRs(args)
			if err != nil {
				return err
			}
			for _, pcr := range pcrs {
				value, err := tcs.PcrRead(ctx, pcr)
				if err != nil {
					return fmt.Errorf("pcr %d: %w", pcr, err)
				}
				fmt.Printf("%2d: %x\n", pcr, value)
			}
			return nil
		},
	}
	extendCmd = &cobra.Command{
		Use:   "extend [pcr] [digest]",
		Short: "Extends a PCR with a hex encoded 20 byte digest and logs the event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcr, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("pcr must be a number: %w", err)
			}
			raw, err := hex.DecodeString(args[1])
			if err != nil || len(raw) != common.DigestSize {
				return fmt.Errorf("digest must be %d hex encoded bytes", common.DigestSize)
			}
			var digest common.Digest
			copy(digest[:], raw)

			value, err := tcs.Extend(ctx, uint32(pcr), digest)
			if err != nil {
				return err
			}

			event, _ := cmd.Flags().GetString("event")
			number, err := tcs.LogPcrEvent(ctx, common.PCREvent{
				PcrIndex:  uint32(pcr),
				EventType: 0x0d, // ipl
				PcrValue:  digest[:],
				Event:     []byte(event),
			})
			if err != nil {
				return err
			}
			fmt.Printf("%2d: %x (event %d)\n", pcr, value, number)
			return nil
		},
	}
	capsCmd = &cobra.Command{
		Use:   "caps",
		Short: "Prints the capabilities reported by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, area := range []common.CapArea{common.CapVersion, common.CapManufacturer, common.CapPersStorage, common.CapCaching} {
				resp, err := tcs.GetCapability(ctx, area, nil)
				if err != nil {
					fmt.Printf("%-20s%v\n", area, err)
					continue
				}
				fmt.Printf("%-20s%x\n", area, resp)
			}
			ticks, err := tcs.ReadCurrentTicks(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-20s%d\n", "ticks", ticks)
			return nil
		},
	}
	pubekCmd = &cobra.Command{
		Use:   "pubek",
		Short: "Prints the public endorsement key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var antiReplay common.Nonce
			if _, err := rand.Read(antiReplay[:]); err != nil {
				return err
			}
			pubKey, checksum, err := tcs.ReadPubek(ctx, antiReplay)
			if err != nil {
				return err
			}
			fmt.Printf("key:      %x\nchecksum: %x\n", pubKey, checksum)
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys [uuid]",
		Short: "Lists registered keys (the chain up to the SRK if a uuid is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key common.UUID
			if len(args) == 1 {
				var err error
				if key, err = common.ParseUUID(args[0]); err != nil {
					return fmt.Errorf("invalid uuid: %w", err)
				}
			}
			keys, err := tcs.EnumRegisteredKeys(ctx, key)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("%s  parent %s  loaded=%t  version %s\n", k.KeyUUID, k.ParentKeyUUID, k.IsLoaded, k.Version)
			}
			return nil
		},
	}
	selfTestCmd = &cobra.Command{
		Use:   "selftest",
		Short: "Runs the full TPM self test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tcs.SelfTestFull(ctx); err != nil {
				return err
			}
			fmt.Println("self test passed")
			return nil
		},
	}
)

func init() {
	extendCmd.Flags().String("event", "", "Event data to log with the measurement")
}

// parsePCRs parses pcr indices, no arguments means all registers
func parsePCRs(args []string) ([]uint32, error) {
	if len(args) == 0 {
		pcrs := make([]uint32, 24)
		for i := range pcrs {
			pcrs[i] = uint32(i)
		}
		return pcrs, nil
	}

	pcrs := make([]uint32, 0, len(args))
	for _, arg := range args {
		pcr, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid pcr %q: %w", arg, err)
		}
		pcrs = append(pcrs, uint32(pcr))
	}
	return pcrs, nil
}
