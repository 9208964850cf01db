package model

import "strconv"

// ResultCallback is the provider's asynchronous B2C notification envelope.
// Field names follow the M-Pesa wire format.
type ResultCallback struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []ResultParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

type ResultParameter struct {
	Key   string `json:"Key"`
	Value any    `json:"Value"`
}

// TimeoutCallback tolerates both the enveloped and the flat shape the
// provider has been observed to send on queue timeouts.
type TimeoutCallback struct {
	Result *struct {
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
	} `json:"Result"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
}

func (t *TimeoutCallback) ConvID() string {
	if t.Result != nil && t.Result.ConversationID != "" {
		return t.Result.ConversationID
	}
	return t.ConversationID
}

func (t *TimeoutCallback) OriginatorConvID() string {
	if t.Result != nil && t.Result.OriginatorConversationID != "" {
		return t.Result.OriginatorConversationID
	}
	return t.OriginatorConversationID
}

// ResultDetails holds the typed fields extracted from ResultParameters.
type ResultDetails struct {
	ReceiptNumber         *string
	TransactionAmount     *float64
	TransactionDate       *string
	WorkingAccountBalance *float64
	UtilityAccountBalance *float64
	ChargesAccountBalance *float64
	Occasion              string
}

// ExtractResultDetails walks the ResultParameter list. Unknown keys are
// ignored; values arrive as strings or numbers depending on the key.
func ExtractResultDetails(cb *ResultCallback) ResultDetails {
	var d ResultDetails
	if cb.Result.ResultParameters == nil {
		return d
	}
	for _, p := range cb.Result.ResultParameters.ResultParameter {
		switch p.Key {
		case "TransactionReceipt":
			if s := paramString(p.Value); s != "" {
				d.ReceiptNumber = &s
			}
		case "TransactionAmount":
			d.TransactionAmount = paramFloat(p.Value)
		case "TransactionDate":
			if s := paramString(p.Value); s != "" {
				d.TransactionDate = &s
			}
		case "B2CWorkingAccountAvailableFunds":
			d.WorkingAccountBalance = paramFloat(p.Value)
		case "B2CUtilityAccountAvailableFunds":
			d.UtilityAccountBalance = paramFloat(p.Value)
		case "B2CChargesPaidAccountAvailableFunds":
			d.ChargesAccountBalance = paramFloat(p.Value)
		case "Occasion":
			d.Occasion = paramString(p.Value)
		}
	}
	return d
}

// StatusForResultCode maps the provider result code to a terminal status:
// 0 means the payment went through, anything else is a failure.
func StatusForResultCode(code int) string {
	if code == 0 {
		return StatusSuccess
	}
	return StatusFailed
}

func paramString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func paramFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
