package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	xerrors "github.com/lulu-molty/molty/internal/errors"
)

// AccountStatus 表示账户状态。
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
)

// TxType 表示交易类型。
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxReward   TxType = "reward"
	TxGame     TxType = "game"
	TxGenesis  TxType = "genesis"
)

// TxStatus 表示交易在生命周期中的状态。
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Account 描述一个持币账户。余额只能通过 Store.Transfer 变更。
type Account struct {
	Address   string          `json:"address"`
	Balance   decimal.Decimal `json:"balance"`
	Status    AccountStatus   `json:"status"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Transaction 是账本的追加式审计记录。确认后不可变更。
type Transaction struct {
	TxID              string            `json:"tx_id"`
	FromAddress       string            `json:"from_address"`
	ToAddress         string            `json:"to_address"`
	Amount            decimal.Decimal   `json:"amount"`
	Fee               decimal.Decimal   `json:"fee"`
	Type              TxType            `json:"type"`
	Status            TxStatus          `json:"status"`
	BalanceBeforeFrom decimal.Decimal   `json:"balance_before_from"`
	BalanceAfterFrom  decimal.Decimal   `json:"balance_after_from"`
	BalanceBeforeTo   decimal.Decimal   `json:"balance_before_to"`
	BalanceAfterTo    decimal.Decimal   `json:"balance_after_to"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	ConfirmedAt       int64             `json:"confirmed_at,omitempty"`
}

// TransferRequest 描述一次转账请求。
type TransferRequest struct {
	From     string
	To       string
	Amount   decimal.Decimal
	Fee      decimal.Decimal
	Type     TxType
	Metadata map[string]string
}

// Params 描述账本的初始参数。SYSTEM 账户在创世时持有全部发行量。
type Params struct {
	InitialSupply decimal.Decimal
	SystemAddress string
	BurnAddress   string
	FeeCollector  string
}

// DefaultParams 返回默认账本参数（与创世配置一致）。
func DefaultParams() Params {
	return Params{
		InitialSupply: decimal.NewFromInt(1000000),
		SystemAddress: "SYSTEM",
		BurnAddress:   "BURN",
		FeeCollector:  "FEE_POOL",
	}
}

func (p *Params) applyDefaults() {
	def := DefaultParams()
	if p.InitialSupply.IsZero() {
		p.InitialSupply = def.InitialSupply
	}
	if p.SystemAddress == "" {
		p.SystemAddress = def.SystemAddress
	}
	if p.BurnAddress == "" {
		p.BurnAddress = def.BurnAddress
	}
	if p.FeeCollector == "" {
		p.FeeCollector = def.FeeCollector
	}
}

var (
	// ErrUnknownAddress 表示转账任一方地址不存在。
	ErrUnknownAddress = xerrors.New(CodeUnknownAddress, "address not found")
	// ErrInsufficientBalance 表示发送方余额不足以覆盖金额与手续费。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrAccountExists 表示地址已被占用。
	ErrAccountExists = xerrors.New(xerrors.CodeConflict, "account already exists")
	// ErrAccountFrozen 表示账户被冻结，禁止转出。
	ErrAccountFrozen = xerrors.New(CodeAccountFrozen, "account frozen")
	// ErrTxNotFound 表示指定交易不存在。
	ErrTxNotFound = xerrors.New(xerrors.CodeNotFound, "transaction not found")
	// ErrTxNotPending 表示交易不处于挂起状态，无法确认。
	ErrTxNotPending = xerrors.New(xerrors.CodeConflict, "transaction not pending")
)

const (
	CodeUnknownAddress      xerrors.Code = "UNKNOWN_ADDRESS"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeAccountFrozen       xerrors.Code = "ACCOUNT_FROZEN"
	CodeValidation          xerrors.Code = "VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeUnknownAddress, xerrors.Attributes{
		Message:   "address not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountFrozen, xerrors.Attributes{
		Message:   "account frozen",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// NewTxID 由交易内容与当前时间派生交易 ID。
func NewTxID(from, to string, amount decimal.Decimal) string {
	payload := fmt.Sprintf("%s%s%s%d", from, to, amount.String(), time.Now().UnixNano())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// validateRequest 做进入存储层前的最后一道校验。
func validateRequest(req TransferRequest) error {
	if req.From == "" || req.To == "" {
		return xerrors.New(CodeValidation, "转账地址不能为空")
	}
	if req.From == req.To {
		return xerrors.New(CodeValidation, "不允许向自身转账")
	}
	if !req.Amount.IsPositive() {
		return xerrors.New(CodeValidation, "转账金额必须为正数")
	}
	if req.Fee.IsNegative() {
		return xerrors.New(CodeValidation, "手续费不能为负数")
	}
	if req.Type == "" {
		return xerrors.New(CodeValidation, "交易类型不能为空")
	}
	return nil
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
