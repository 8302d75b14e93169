package events

// DefaultPoolAddress is the Aave V3 Pool on Ethereum mainnet.
const DefaultPoolAddress = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"

// poolEventsABI covers the Pool events that move reserve rates. Every one of
// them carries the reserve as its first indexed argument.
const poolEventsABI = `[
  {"anonymous":false,"name":"Supply","type":"event","inputs":[
    {"indexed":true,"name":"reserve","type":"address"},
    {"indexed":false,"name":"user","type":"address"},
    {"indexed":true,"name":"onBehalfOf","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":true,"name":"referralCode","type":"uint16"}]},
  {"anonymous":false,"name":"Borrow","type":"event","inputs":[
    {"indexed":true,"name":"reserve","type":"address"},
    {"indexed":false,"name":"user","type":"address"},
    {"indexed":true,"name":"onBehalfOf","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"interestRateMode","type":"uint8"},
    {"indexed":false,"name":"borrowRate","type":"uint256"},
    {"indexed":true,"name":"referralCode","type":"uint16"}]},
  {"anonymous":false,"name":"Repay","type":"event","inputs":[
    {"indexed":true,"name":"reserve","type":"address"},
    {"indexed":true,"name":"user","type":"address"},
    {"indexed":true,"name":"repayer","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"useATokens","type":"bool"}]},
  {"anonymous":false,"name":"Withdraw","type":"event","inputs":[
    {"indexed":true,"name":"reserve","type":"address"},
    {"indexed":true,"name":"user","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"ReserveDataUpdated","type":"event","inputs":[
    {"indexed":true,"name":"reserve","type":"address"},
    {"indexed":false,"name":"liquidityRate","type":"uint256"},
    {"indexed":false,"name":"stableBorrowRate","type":"uint256"},
    {"indexed":false,"name":"variableBorrowRate","type":"uint256"},
    {"indexed":false,"name":"liquidityIndex","type":"uint256"},
    {"indexed":false,"name":"variableBorrowIndex","type":"uint256"}]}
]`

// WatchedEvents lists the event names the listener subscribes to.
var WatchedEvents = []string{"Supply", "Borrow", "Repay", "Withdraw", "ReserveDataUpdated"}
