package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	cbProvision = "provision"
	cbMyStatus  = "my_status"
	cbMyConfig  = "my_config"
	cbTariffs   = "tariffs"
	cbHistory   = "history"
	cbCreateKey = "create_key"
	cbListKeys  = "list_keys"
	cbHelp      = "help"

	cbGetConfig     = "get_config_"
	cbDeleteUser    = "delete_user_"
	cbConfirmDelete = "confirm_delete_"
	cbBuyExtra      = "buy_extra_"
	cbEnableFree    = "enable_free_"
)

// Longest prefixes first so confirm_delete_ never matches as delete_user_.
var callbackPrefixes = []string{cbConfirmDelete, cbDeleteUser, cbGetConfig, cbBuyExtra, cbEnableFree}

type callback struct {
	Action string
	Arg    string
}

func parseCallback(data string) callback {
	for _, prefix := range callbackPrefixes {
		if strings.HasPrefix(data, prefix) {
			return callback{Action: prefix, Arg: strings.TrimPrefix(data, prefix)}
		}
	}
	return callback{Action: data}
}

// targetID returns the Telegram ID carried by buy_extra_ and enable_free_.
func (c callback) targetID() (int64, error) {
	id, err := strconv.ParseInt(c.Arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("callback %q: bad telegram id %q", c.Action, c.Arg)
	}
	return id, nil
}

func buyExtraData(telegramID int64) string {
	return cbBuyExtra + strconv.FormatInt(telegramID, 10)
}

func enableFreeData(telegramID int64) string {
	return cbEnableFree + strconv.FormatInt(telegramID, 10)
}
