package fetch

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ReserveToken is one entry of getAllReservesTokens.
type ReserveToken struct {
	Symbol       string
	TokenAddress common.Address
}

// ReserveConfiguration is the decoded getReserveConfigurationData result.
type ReserveConfiguration struct {
	Decimals                 *big.Int
	LTV                      *big.Int
	LiquidationThreshold     *big.Int
	LiquidationBonus         *big.Int
	ReserveFactor            *big.Int
	UsageAsCollateralEnabled bool
	BorrowingEnabled         bool
	StableBorrowRateEnabled  bool
	IsActive                 bool
	IsFrozen                 bool
}

// ReserveData is the decoded getReserveData result. Rates are in ray.
type ReserveData struct {
	Unbacked                *big.Int
	AccruedToTreasuryScaled *big.Int
	TotalAToken             *big.Int
	TotalStableDebt         *big.Int
	TotalVariableDebt       *big.Int
	LiquidityRate           *big.Int
	VariableBorrowRate      *big.Int
	StableBorrowRate        *big.Int
	AverageStableBorrowRate *big.Int
	LiquidityIndex          *big.Int
	VariableBorrowIndex     *big.Int
	LastUpdateTimestamp     *big.Int
}

// PoolDataProvider is the read surface of the lending pool's data provider contract.
type PoolDataProvider interface {
	ReservesTokens(ctx context.Context) ([]ReserveToken, error)
	ReserveConfiguration(ctx context.Context, asset common.Address) (ReserveConfiguration, error)
	ReserveData(ctx context.Context, asset common.Address) (ReserveData, error)
}

// ContractProvider reads the data provider through a go-ethereum bound contract.
type ContractProvider struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewContractProvider binds the data provider at address to caller, usually an *ethclient.Client.
func NewContractProvider(address common.Address, caller bind.ContractCaller) (*ContractProvider, error) {
	parsed, err := abi.JSON(strings.NewReader(poolDataProviderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse data provider abi: %w", err)
	}
	return &ContractProvider{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}, nil
}

// Address returns the bound contract address
func (p *ContractProvider) Address() common.Address {
	return p.address
}

// ReservesTokens calls getAllReservesTokens.
func (p *ContractProvider) ReservesTokens(ctx context.Context) ([]ReserveToken, error) {
	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAllReservesTokens"); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getAllReservesTokens: unexpected output length %d", len(out))
	}
	tokens := *abi.ConvertType(out[0], new([]ReserveToken)).(*[]ReserveToken)
	return tokens, nil
}

// ReserveConfiguration calls getReserveConfigurationData for asset.
func (p *ContractProvider) ReserveConfiguration(ctx context.Context, asset common.Address) (ReserveConfiguration, error) {
	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getReserveConfigurationData", asset); err != nil {
		return ReserveConfiguration{}, err
	}
	if len(out) != 10 {
		return ReserveConfiguration{}, fmt.Errorf("getReserveConfigurationData: unexpected output length %d", len(out))
	}
	return ReserveConfiguration{
		Decimals:                 toBig(out[0]),
		LTV:                      toBig(out[1]),
		LiquidationThreshold:     toBig(out[2]),
		LiquidationBonus:         toBig(out[3]),
		ReserveFactor:            toBig(out[4]),
		UsageAsCollateralEnabled: toBool(out[5]),
		BorrowingEnabled:         toBool(out[6]),
		StableBorrowRateEnabled:  toBool(out[7]),
		IsActive:                 toBool(out[8]),
		IsFrozen:                 toBool(out[9]),
	}, nil
}

// ReserveData calls getReserveData for asset.
func (p *ContractProvider) ReserveData(ctx context.Context, asset common.Address) (ReserveData, error) {
	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getReserveData", asset); err != nil {
		return ReserveData{}, err
	}
	if len(out) != 12 {
		return ReserveData{}, fmt.Errorf("getReserveData: unexpected output length %d", len(out))
	}
	return ReserveData{
		Unbacked:                toBig(out[0]),
		AccruedToTreasuryScaled: toBig(out[1]),
		TotalAToken:             toBig(out[2]),
		TotalStableDebt:         toBig(out[3]),
		TotalVariableDebt:       toBig(out[4]),
		LiquidityRate:           toBig(out[5]),
		VariableBorrowRate:      toBig(out[6]),
		StableBorrowRate:        toBig(out[7]),
		AverageStableBorrowRate: toBig(out[8]),
		LiquidityIndex:          toBig(out[9]),
		VariableBorrowIndex:     toBig(out[10]),
		LastUpdateTimestamp:     toBig(out[11]),
	}, nil
}

func toBig(v interface{}) *big.Int {
	return *abi.ConvertType(v, new(*big.Int)).(**big.Int)
}

func toBool(v interface{}) bool {
	return *abi.ConvertType(v, new(bool)).(*bool)
}
