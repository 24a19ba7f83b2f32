package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "查询与管理目录条目",
}

var catalogListCmd = &cobra.Command{
	Use:   "list <domain>",
	Short: "列出目录域下的有效条目, 如 data_bundles:mtn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		defer catalog.Close()

		entries, err := catalog.ListActive(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderEntries(os.Stdout, args[0], entries)
		return nil
	},
}

var catalogGetCmd = &cobra.Command{
	Use:   "get <domain> <key>",
	Short: "按自然键读取单个条目 (JSON)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		defer catalog.Close()

		entry, err := catalog.Get(cmd.Context(), args[0], args[1])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("条目不存在: %s/%s", args[0], args[1])
		}
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var catalogDeactivateCmd = &cobra.Command{
	Use:   "deactivate <domain> <key>",
	Short: "停用一个条目 (采集运行不会自动停用)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		defer catalog.Close()

		if err := catalog.Deactivate(cmd.Context(), args[0], args[1]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("条目不存在: %s/%s", args[0], args[1])
			}
			return err
		}
		utils.Infof("✅ 已停用: %s/%s", args[0], args[1])
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或升级目录表",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		defer catalog.Close()

		utils.Infof("✅ 目录表已就绪 (%s)", appConfig.Database.Driver)
		return nil
	},
}

// renderEntries 以表格输出条目
func renderEntries(w io.Writer, domain string, entries []models.CatalogEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(domain)
	t.AppendHeader(table.Row{"Key", "Name", "Cost", "Retail", "Reseller", "Refreshed"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	for _, e := range entries {
		t.AppendRow(table.Row{
			e.NaturalKey,
			e.DisplayName,
			fmt.Sprintf("%.2f", e.Cost),
			fmt.Sprintf("%.2f", e.RetailPrice),
			fmt.Sprintf("%.2f", e.ResellerPrice),
			e.RefreshedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d 个有效条目", len(entries))})
	t.Render()
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogGetCmd)
	catalogCmd.AddCommand(catalogDeactivateCmd)
}
