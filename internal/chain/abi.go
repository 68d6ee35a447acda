package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the contracts the executor touches. Only the
// methods actually called are declared.

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const packageManagerABIJSON = `[
  {"name":"getPackage","type":"function","stateMutability":"view",
   "inputs":[{"name":"packageId","type":"uint256"}],
   "outputs":[{"components":[
     {"internalType":"uint256","name":"entryUSDT","type":"uint256"},
     {"internalType":"uint256","name":"exchangeRate","type":"uint256"},
     {"internalType":"uint64","name":"cliff","type":"uint64"},
     {"internalType":"uint64","name":"duration","type":"uint64"},
     {"internalType":"uint16","name":"vestBps","type":"uint16"},
     {"internalType":"uint16","name":"referralBps","type":"uint16"},
     {"internalType":"bool","name":"active","type":"bool"},
     {"internalType":"bool","name":"exists","type":"bool"},
     {"internalType":"string","name":"name","type":"string"}
   ],"name":"","type":"tuple"}]},
  {"name":"purchase","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"packageId","type":"uint256"},{"name":"referrer","type":"address"}],
   "outputs":[]},
  {"name":"purchaseFor","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"buyer","type":"address"},{"name":"packageId","type":"uint256"},{"name":"referrer","type":"address"}],
   "outputs":[]}
]`

func erc20ABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(erc20ABIJSON))
}

func packageManagerABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(packageManagerABIJSON))
}
