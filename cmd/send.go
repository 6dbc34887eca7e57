package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/mailservice"
	"github.com/dhcgn/mail-notify/mbox"
	"github.com/dhcgn/mail-notify/model"
	"github.com/dhcgn/mail-notify/smtp"
)

type sendOptions struct {
	to          []string
	cc          []string
	subject     string
	body        string
	attachments []string
	mboxPath    string
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a mail through the configured SMTP server or append it to an mbox file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliOpts, err := config.LoadOptions(cmd)
			if err != nil {
				return err
			}
			logger := cliLogger(cmd.ErrOrStderr(), cliOpts.LogLevel)

			cfg, err := config.FromOptions(cliOpts, logger)
			if err != nil {
				return err
			}

			m, err := composeMail(opts)
			if err != nil {
				return err
			}

			if opts.mboxPath != "" {
				so := smtp.OptionsFromConfig(cfg)
				raw, err := smtp.Render(m, model.Address{Name: so.FromAlias, Address: so.From})
				if err != nil {
					return err
				}
				if err := mbox.Append(opts.mboxPath, so.From, raw); err != nil {
					return err
				}
				logger.Info("mail appended", "mbox", opts.mboxPath, "subject", m.Subject)
				return nil
			}

			if !cfg.SMTP.Enabled() {
				return mailservice.ErrSendingDisabled
			}
			sender, err := smtp.NewSender(smtp.OptionsFromConfig(cfg), logger)
			if err != nil {
				return err
			}
			if err := sender.Send(cmd.Context(), m); err != nil {
				return err
			}
			logger.Info("mail sent", "to", model.Addresses(m.To), "subject", m.Subject)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&opts.to, "to", nil, "Recipient address, repeatable")
	cmd.Flags().StringArrayVar(&opts.cc, "cc", nil, "Cc address, repeatable")
	cmd.Flags().StringVarP(&opts.subject, "subject", "s", "", "Subject line")
	cmd.Flags().StringVarP(&opts.body, "body", "b", "", "Plain text body")
	cmd.Flags().StringArrayVarP(&opts.attachments, "attach", "a", nil, "File to attach, repeatable")
	cmd.Flags().StringVar(&opts.mboxPath, "mbox", "", "Append the mail to this mbox file instead of sending it")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func composeMail(opts *sendOptions) (model.Mail, error) {
	to, err := parseAddresses(opts.to)
	if err != nil {
		return model.Mail{}, err
	}
	cc, err := parseAddresses(opts.cc)
	if err != nil {
		return model.Mail{}, err
	}

	m := model.Mail{
		To:       to,
		Cc:       cc,
		Subject:  opts.subject,
		TextBody: opts.body,
	}
	for _, path := range opts.attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Mail{}, fmt.Errorf("read attachment: %w", err)
		}
		m.Attachments = append(m.Attachments, model.Attachment{
			Filename:    filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
	}
	return m, nil
}

func parseAddresses(values []string) ([]model.Address, error) {
	var out []model.Address
	for _, v := range values {
		list, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		for _, a := range list {
			out = append(out, model.Address{Name: a.Name, Address: a.Address})
		}
	}
	return out, nil
}
