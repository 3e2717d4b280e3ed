package model

// Balance 单币种余额
type Balance struct {
	Coin      string  `json:"coin"`
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"` // 挂单冻结部分
}

// AccountSnapshot 账户快照，现金 + 各标的持仓
type AccountSnapshot struct {
	Cash     float64             `json:"cash"` // 计价币可用余额
	Holdings map[string]*Balance `json:"holdings"`
}

// HoldingOf 返回指定币种余额，没有时为 nil
func (a *AccountSnapshot) HoldingOf(coin string) *Balance {
	if a == nil || a.Holdings == nil {
		return nil
	}
	return a.Holdings[coin]
}
