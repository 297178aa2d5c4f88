package chain

import "github.com/gagliardetto/solana-go"

// Mining program instruction tags
const (
	InstructionAuth byte = 0
	InstructionMine byte = 1
)

// AuthInstruction authorizes miner for the following mine instruction
func AuthInstruction(program, miner PublicKey) solana.Instruction {
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(miner).WRITE(),
	}, []byte{InstructionAuth})
}

// MineInstruction submits solution (hash followed by nonce) for miner,
// signed by validator and credited through bus.
func MineInstruction(program, miner, validator, bus PublicKey, solution []byte) solana.Instruction {
	data := make([]byte, 0, 1+len(solution))
	data = append(data, InstructionMine)
	data = append(data, solution...)

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.Meta(miner).WRITE(),
		solana.Meta(validator).SIGNER(),
		solana.Meta(bus).WRITE(),
	}, data)
}

// BuildMineTransaction assembles and signs the auth + mine transaction for
// one solution. The validator pays the fee.
func BuildMineTransaction(program PublicKey, validator *Keypair, miner, bus PublicKey, solution []byte, recentBlockhash string) (*Transaction, error) {
	return NewTransaction(validator, recentBlockhash,
		AuthInstruction(program, miner),
		MineInstruction(program, miner, validator.PublicKey(), bus, solution),
	)
}
